package core

// Provider identity registry. Service providers register an Ed25519
// verifying key bound to a registration source; key rotations append to the
// version history and retire the predecessor, so at most one key is live at
// any height.

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// Provider registration sources.
const (
	RegistrationStakeLinked = "stake_linked"
	RegistrationBootstrap   = "bootstrap"
	RegistrationDelegated   = "delegated"
)

// ProviderRegistrationSource ties a provider to the origin of its identity.
// StakeID is set only for stake-linked registrations.
type ProviderRegistrationSource struct {
	Kind    string `json:"kind"`
	StakeID string `json:"stake_id,omitempty"`
}

// StakeLinkedSource builds the stake-linked registration source.
func StakeLinkedSource(stakeID string) ProviderRegistrationSource {
	return ProviderRegistrationSource{Kind: RegistrationStakeLinked, StakeID: stakeID}
}

// KeyVersion is one entry in a provider's key history.
type KeyVersion struct {
	VerifyingKey     [32]byte `json:"verifying_key"`
	RegisteredAtBlock uint64  `json:"registered_at_block"`
	RetiredAtBlock   *uint64  `json:"retired_at_block,omitempty"`
	Evidence         *string  `json:"evidence,omitempty"`
}

// ProviderRecord is the registry entry for one provider.
type ProviderRecord struct {
	ProviderID         string                     `json:"provider_id"`
	RegistrationSource ProviderRegistrationSource `json:"registration_source"`
	KeyVersions        []KeyVersion               `json:"key_versions"`
}

// ProviderRegistry is the read-mostly identity store consulted by the
// receipt audit engine.
type ProviderRegistry struct {
	mu      sync.RWMutex
	records map[string]*ProviderRecord
}

// NewProviderRegistry returns an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{records: make(map[string]*ProviderRecord)}
}

var errProviderExists = errors.New("provider already registered")

// RegisterProvider adds a provider with its first key version.
func (r *ProviderRegistry) RegisterProvider(providerID string, key ed25519.PublicKey, registeredAt uint64, evidence *string, source ProviderRegistrationSource) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("provider %s: verifying key must be %d bytes", providerID, ed25519.PublicKeySize)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[providerID]; ok {
		return fmt.Errorf("%w: %s", errProviderExists, providerID)
	}
	var fixed [32]byte
	copy(fixed[:], key)
	r.records[providerID] = &ProviderRecord{
		ProviderID:         providerID,
		RegistrationSource: source,
		KeyVersions: []KeyVersion{{
			VerifyingKey:     fixed,
			RegisteredAtBlock: registeredAt,
			Evidence:         evidence,
		}},
	}
	return nil
}

// RotateKey appends a new key version and retires the current one at the
// rotation height. The history stays monotone: a rotation below the last
// registration height is rejected.
func (r *ProviderRegistry) RotateKey(providerID string, key ed25519.PublicKey, rotatedAt uint64, evidence *string) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("provider %s: verifying key must be %d bytes", providerID, ed25519.PublicKeySize)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[providerID]
	if !ok {
		return fmt.Errorf("provider %s not registered", providerID)
	}
	last := &record.KeyVersions[len(record.KeyVersions)-1]
	if rotatedAt < last.RegisteredAtBlock {
		return fmt.Errorf("provider %s: rotation height %d precedes registration %d", providerID, rotatedAt, last.RegisteredAtBlock)
	}
	retired := rotatedAt
	last.RetiredAtBlock = &retired
	var fixed [32]byte
	copy(fixed[:], key)
	record.KeyVersions = append(record.KeyVersions, KeyVersion{
		VerifyingKey:     fixed,
		RegisteredAtBlock: rotatedAt,
		Evidence:         evidence,
	})
	return nil
}

// ProviderRecordFor returns a copy of the provider's record, if registered.
func (r *ProviderRegistry) ProviderRecordFor(providerID string) (*ProviderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[providerID]
	if !ok {
		return nil, false
	}
	copied := *record
	copied.KeyVersions = append([]KeyVersion(nil), record.KeyVersions...)
	return &copied, true
}

// ActiveKey returns the provider's live (non-retired) verifying key.
func (r *ProviderRegistry) ActiveKey(providerID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[providerID]
	if !ok || len(record.KeyVersions) == 0 {
		return nil, false
	}
	last := record.KeyVersions[len(record.KeyVersions)-1]
	if last.RetiredAtBlock != nil {
		return nil, false
	}
	return ed25519.PublicKey(last.VerifyingKey[:]), true
}
