package core

// Receipt audit engine. Pure derivations over (Receipt, ProviderRegistry):
// deterministic audit queries, invariant reports with slashing outcomes,
// one causality effect per receipt, and the provider identity summary.
// Nothing here mutates state.

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// EscrowEntity identifies a participant in an escrow movement. Kind-prefixed
// bytes give domain separation inside query ids.
type EscrowEntity struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// Escrow entity kinds.
const (
	EntityProvider  = "provider"
	EntityContract  = "contract"
	EntityCampaign  = "campaign"
	EntityJob       = "job"
	EntityPublisher = "publisher"
	EntityTreasury  = "treasury"
	EntityUnknown   = "unknown"
)

func ProviderEntity(id string) EscrowEntity  { return EscrowEntity{Kind: EntityProvider, ID: id} }
func ContractEntity(id string) EscrowEntity  { return EscrowEntity{Kind: EntityContract, ID: id} }
func CampaignEntity(id string) EscrowEntity  { return EscrowEntity{Kind: EntityCampaign, ID: id} }
func JobEntity(id string) EscrowEntity       { return EscrowEntity{Kind: EntityJob, ID: id} }
func PublisherEntity(id string) EscrowEntity { return EscrowEntity{Kind: EntityPublisher, ID: id} }
func TreasuryEntity() EscrowEntity           { return EscrowEntity{Kind: EntityTreasury} }

// NormalizedBytes prefixes "<kind>:" for hash domain separation; the
// treasury has no id and hashes as the bare kind.
func (e EscrowEntity) NormalizedBytes() []byte {
	if e.Kind == EntityTreasury {
		return []byte(EntityTreasury)
	}
	return []byte(e.Kind + ":" + e.ID)
}

// AuditDetail is one key/value pair of settled context.
type AuditDetail struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AuditQuery is a deterministic, content-addressed record of why a receipt
// moved funds.
type AuditQuery struct {
	QueryID     [32]byte      `json:"query_id"`
	Market      string        `json:"market"`
	Subject     EscrowEntity  `json:"subject"`
	Counterparty EscrowEntity `json:"counterparty"`
	Amount      uint64        `json:"amount"`
	BlockHeight uint64        `json:"block_height"`
	Reason      string        `json:"reason"`
	Details     []AuditDetail `json:"details"`
}

// CausalityKind is the direction of an escrow movement.
type CausalityKind string

const (
	CausalityDirectSettlement CausalityKind = "direct_settlement"
	CausalitySlash            CausalityKind = "slash"
)

// CausalityEffect is the single escrow movement attributable to a receipt.
type CausalityEffect struct {
	Kind        CausalityKind `json:"kind"`
	Amount      uint64        `json:"amount"`
	Source      EscrowEntity  `json:"source"`
	Target      EscrowEntity  `json:"target"`
	Context     string        `json:"context"`
	BlockHeight uint64        `json:"block_height"`
}

// Invariant severities.
type InvariantSeverity string

const (
	SeverityCritical InvariantSeverity = "critical"
	SeverityHigh     InvariantSeverity = "high"
	SeverityMedium   InvariantSeverity = "medium"
	SeverityLow      InvariantSeverity = "low"
)

// SlashingOutcome is the action an unsatisfied invariant commits to.
type SlashingOutcome struct {
	Reason string       `json:"reason"`
	Amount uint64       `json:"amount"`
	Target EscrowEntity `json:"target"`
}

// ReceiptInvariantReport describes one invariant check on a receipt.
type ReceiptInvariantReport struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Severity    InvariantSeverity `json:"severity"`
	Satisfied   bool              `json:"satisfied"`
	Slashing    *SlashingOutcome  `json:"slashing,omitempty"`
}

// ProviderKeyHistory is one historical key exposed to auditors.
type ProviderKeyHistory struct {
	Key              [32]byte `json:"key"`
	RegisteredAtBlock uint64  `json:"registered_at_block"`
	RetiredAtBlock   *uint64  `json:"retired_at_block,omitempty"`
	Evidence         *string  `json:"evidence,omitempty"`
}

// ProviderIdentitySummary is the registry view emitted alongside a receipt.
type ProviderIdentitySummary struct {
	ProviderID     string               `json:"provider_id"`
	StakeReference *string              `json:"stake_reference,omitempty"`
	RotationCount  int                  `json:"rotation_count"`
	LatestKey      *[32]byte            `json:"latest_key,omitempty"`
	KeyHistory     []ProviderKeyHistory `json:"key_history"`
}

func buildAuditQuery(market string, subject, counterparty EscrowEntity, amount, blockHeight uint64, reason string, details []AuditDetail) AuditQuery {
	h := blake3.New(32, nil)
	h.Write([]byte(market))
	h.Write(subject.NormalizedBytes())
	h.Write(counterparty.NormalizedBytes())
	h.Write([]byte(reason))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], amount)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], blockHeight)
	h.Write(buf[:])
	for _, d := range details {
		h.Write([]byte(d.Key))
		h.Write([]byte(d.Value))
	}
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return AuditQuery{
		QueryID:     id,
		Market:      market,
		Subject:     subject,
		Counterparty: counterparty,
		Amount:      amount,
		BlockHeight: blockHeight,
		Reason:      reason,
		Details:     details,
	}
}

func detail(key string, value any) AuditDetail {
	return AuditDetail{Key: key, Value: fmt.Sprint(value)}
}

// AuditQueries derives the deterministic queries for a receipt. Details are
// emitted in a fixed per-variant order so re-verification reproduces the
// same query ids byte for byte.
func (r Receipt) AuditQueries() []AuditQuery {
	switch r.Kind {
	case ReceiptStorage:
		s := r.Storage
		region := "unknown"
		if s.Region != nil {
			region = *s.Region
		}
		details := []AuditDetail{
			detail("bytes", s.Bytes),
			detail("price", s.Price),
			detail("region", region),
		}
		if s.ChunkHash != nil {
			details = append(details, detail("chunk_hash", hex.EncodeToString(s.ChunkHash[:])))
		}
		return []AuditQuery{buildAuditQuery("storage", ProviderEntity(s.Provider), ContractEntity(s.ContractID), s.Price, s.BlockHeight, "storage settlement", details)}
	case ReceiptCompute:
		c := r.Compute
		details := []AuditDetail{
			detail("units", c.ComputeUnits),
			detail("payment", c.Payment),
			detail("verified", c.Verified),
		}
		if c.BlockTorch != nil {
			details = append(details,
				detail("latency_ms", c.BlockTorch.ProofLatencyMS),
				detail("kernel_digest", hex.EncodeToString(c.BlockTorch.KernelVariantDigest[:])),
				detail("output_digest", hex.EncodeToString(c.BlockTorch.OutputDigest[:])),
			)
		}
		return []AuditQuery{buildAuditQuery("compute", ProviderEntity(c.Provider), JobEntity(c.JobID), c.Payment, c.BlockHeight, "compute settlement", details)}
	case ReceiptEnergy:
		e := r.Energy
		details := []AuditDetail{
			detail("kwh_units", e.EnergyUnits),
			detail("price", e.Price),
			detail("proof_hash", hex.EncodeToString(e.ProofHash[:])),
		}
		return []AuditQuery{buildAuditQuery("energy", ProviderEntity(e.Provider), ContractEntity(e.ContractID), e.Price, e.BlockHeight, "energy settlement", details)}
	case ReceiptAd:
		a := r.Ad
		details := []AuditDetail{
			detail("impressions", a.Impressions),
			detail("spend", a.Spend),
			detail("conversions", a.Conversions),
		}
		return []AuditQuery{buildAuditQuery("ad", PublisherEntity(a.Publisher), CampaignEntity(a.CampaignID), a.Spend, a.BlockHeight, "ad settlement", details)}
	case ReceiptRelay:
		rr := r.Relay
		details := []AuditDetail{
			detail("bytes", rr.Bytes),
			detail("usd_total", rr.TotalUSDMicros),
			detail("clearing_price", rr.ClearingPriceUSDMicros),
			detail("resource_floor", rr.ResourceFloorUSDMicros),
		}
		if rr.MeshPeer != nil {
			details = append(details, detail("mesh_peer", *rr.MeshPeer))
		}
		return []AuditQuery{buildAuditQuery("relay", ProviderEntity(rr.Provider), JobEntity(rr.JobID), rr.TotalUSDMicros, rr.BlockHeight, "relay settlement", details)}
	case ReceiptStorageSlash:
		s := r.StorageSlash
		return []AuditQuery{slashAudit("storage_slash", "storage slash", s.Provider, s.Amount, s.BlockHeight, fmt.Sprintf("storage slash %s", s.Reason))}
	case ReceiptComputeSlash:
		c := r.ComputeSlash
		return []AuditQuery{slashAudit("compute_slash", "compute slash", c.Provider, c.Burned, c.BlockHeight, fmt.Sprintf("compute slash %s", c.Reason))}
	case ReceiptEnergySlash:
		e := r.EnergySlash
		return []AuditQuery{slashAudit("energy_slash", "energy slash", e.Provider, e.SlashAmount, e.BlockHeight, fmt.Sprintf("energy slash %s", e.Reason))}
	}
	return nil
}

func slashAudit(market, reason, provider string, amount, blockHeight uint64, detailReason string) AuditQuery {
	return buildAuditQuery(market, ProviderEntity(provider), TreasuryEntity(), amount, blockHeight, reason,
		[]AuditDetail{detail("reason", detailReason)})
}

// Invariants evaluates every invariant the receipt's variant carries against
// the registry. Unsatisfied invariants commit a slashing outcome over the
// disputed settlement amount.
func (r Receipt) Invariants(registry *ProviderRegistry) []ReceiptInvariantReport {
	switch r.Kind {
	case ReceiptStorage:
		s := r.Storage
		reports := []ReceiptInvariantReport{identityInvariant(s.Provider, s.Price, registry)}
		reports = append(reports, boundInvariant(
			"storage_escrow_coverage",
			"Provider escrow must cover the settled BLOCK",
			SeverityHigh,
			s.ProviderEscrow >= s.Price,
			"insufficient escrow", s.Price, ProviderEntity(s.Provider)))
		reports = append(reports, boundInvariant(
			"storage_chunk_fingerprint",
			"Storage receipts must cite the chunk fingerprint for repairs",
			SeverityHigh,
			s.ChunkHash != nil,
			"missing chunk fingerprint", s.Price, ProviderEntity(s.Provider)))
		return reports
	case ReceiptCompute:
		c := r.Compute
		reports := []ReceiptInvariantReport{identityInvariant(c.Provider, c.Payment, registry)}
		hasMeta := false
		if m := c.BlockTorch; m != nil {
			hasMeta = m.KernelVariantDigest != [32]byte{} &&
				m.DescriptorDigest != [32]byte{} &&
				m.OutputDigest != [32]byte{} &&
				m.ProofLatencyMS > 0 &&
				m.BenchmarkCommit != "" &&
				m.TensorProfileEpoch != ""
		}
		reports = append(reports, boundInvariant(
			"compute_blocktorch_metadata",
			"Compute receipts must list the BlockTorch provenance bundle",
			SeverityCritical,
			hasMeta,
			"missing BlockTorch metadata", c.Payment, ProviderEntity(c.Provider)))
		return reports
	case ReceiptEnergy:
		e := r.Energy
		reports := []ReceiptInvariantReport{identityInvariant(e.Provider, e.Price, registry)}
		reports = append(reports, boundInvariant(
			"energy_proof_hash",
			"Energy receipts require a non-zero proof hash",
			SeverityCritical,
			e.ProofHash != [32]byte{},
			"missing proof hash", e.Price, ProviderEntity(e.Provider)))
		return reports
	case ReceiptAd:
		a := r.Ad
		reports := []ReceiptInvariantReport{identityInvariant(a.Publisher, a.Spend, registry)}
		reports = append(reports, boundInvariant(
			"ad_conversion_bounds",
			"Conversions may not exceed impressions",
			SeverityMedium,
			uint64(a.Conversions) <= a.Impressions,
			"invalid conversion count", a.Spend, PublisherEntity(a.Publisher)))
		return reports
	case ReceiptRelay:
		rr := r.Relay
		reports := []ReceiptInvariantReport{identityInvariant(rr.Provider, rr.TotalUSDMicros, registry)}
		ok := rr.TotalUSDMicros >= rr.ClearingPriceUSDMicros && rr.TotalUSDMicros >= rr.ResourceFloorUSDMicros
		reports = append(reports, boundInvariant(
			"relay_clearing_floor",
			"Relay receipts must respect the clearing price and resource floor",
			SeverityHigh,
			ok,
			"relay floor violation", rr.TotalUSDMicros, ProviderEntity(rr.Provider)))
		return reports
	case ReceiptStorageSlash:
		s := r.StorageSlash
		return []ReceiptInvariantReport{identityInvariant(s.Provider, s.Amount, registry)}
	case ReceiptComputeSlash:
		c := r.ComputeSlash
		return []ReceiptInvariantReport{identityInvariant(c.Provider, c.Burned, registry)}
	case ReceiptEnergySlash:
		e := r.EnergySlash
		return []ReceiptInvariantReport{identityInvariant(e.Provider, e.SlashAmount, registry)}
	}
	return nil
}

func boundInvariant(name, description string, severity InvariantSeverity, satisfied bool, slashReason string, amount uint64, target EscrowEntity) ReceiptInvariantReport {
	report := ReceiptInvariantReport{
		Name:        name,
		Description: description,
		Severity:    severity,
		Satisfied:   satisfied,
	}
	if !satisfied {
		report.Slashing = &SlashingOutcome{Reason: slashReason, Amount: amount, Target: target}
	}
	return report
}

func identityInvariant(providerID string, amount uint64, registry *ProviderRegistry) ReceiptInvariantReport {
	satisfied := false
	if record, ok := registry.ProviderRecordFor(providerID); ok {
		satisfied = record.RegistrationSource.Kind == RegistrationStakeLinked
	}
	return boundInvariant(
		"stake_linked_identity",
		"Service providers must remain stake linked across rotations",
		SeverityCritical,
		satisfied,
		"provider not stake-linked", amount, ProviderEntity(providerID))
}

// CausalityEffect derives the single escrow movement of a receipt.
func (r Receipt) CausalityEffect() CausalityEffect {
	switch r.Kind {
	case ReceiptStorage:
		s := r.Storage
		return settlementEffect(s.Price, ContractEntity(s.ContractID), ProviderEntity(s.Provider), "storage settlement", s.BlockHeight)
	case ReceiptCompute:
		c := r.Compute
		return settlementEffect(c.Payment, JobEntity(c.JobID), ProviderEntity(c.Provider), "compute settlement", c.BlockHeight)
	case ReceiptEnergy:
		e := r.Energy
		return settlementEffect(e.Price, ContractEntity(e.ContractID), ProviderEntity(e.Provider), "energy settlement", e.BlockHeight)
	case ReceiptAd:
		a := r.Ad
		return settlementEffect(a.Spend, CampaignEntity(a.CampaignID), PublisherEntity(a.Publisher), "ad settlement", a.BlockHeight)
	case ReceiptRelay:
		rr := r.Relay
		return settlementEffect(rr.TotalUSDMicros, JobEntity(rr.JobID), ProviderEntity(rr.Provider), "relay settlement", rr.BlockHeight)
	case ReceiptStorageSlash:
		s := r.StorageSlash
		return slashEffect(s.Provider, s.Amount, s.BlockHeight, "storage slash")
	case ReceiptComputeSlash:
		c := r.ComputeSlash
		return slashEffect(c.Provider, c.Burned, c.BlockHeight, "compute slash")
	case ReceiptEnergySlash:
		e := r.EnergySlash
		return slashEffect(e.Provider, e.SlashAmount, e.BlockHeight, "energy slash")
	}
	return CausalityEffect{}
}

func settlementEffect(amount uint64, source, target EscrowEntity, context string, blockHeight uint64) CausalityEffect {
	return CausalityEffect{
		Kind:        CausalityDirectSettlement,
		Amount:      amount,
		Source:      source,
		Target:      target,
		Context:     context,
		BlockHeight: blockHeight,
	}
}

func slashEffect(provider string, amount, blockHeight uint64, context string) CausalityEffect {
	return CausalityEffect{
		Kind:        CausalitySlash,
		Amount:      amount,
		Source:      ProviderEntity(provider),
		Target:      TreasuryEntity(),
		Context:     context,
		BlockHeight: blockHeight,
	}
}

// subjectProvider names the registry identity a receipt settles against.
func (r Receipt) subjectProvider() string {
	switch r.Kind {
	case ReceiptStorage:
		return r.Storage.Provider
	case ReceiptCompute:
		return r.Compute.Provider
	case ReceiptEnergy:
		return r.Energy.Provider
	case ReceiptAd:
		return r.Ad.Publisher
	case ReceiptRelay:
		return r.Relay.Provider
	case ReceiptStorageSlash:
		return r.StorageSlash.Provider
	case ReceiptComputeSlash:
		return r.ComputeSlash.Provider
	case ReceiptEnergySlash:
		return r.EnergySlash.Provider
	}
	return ""
}

// Identity reads the current registry record for the receipt's provider.
// The key history preserves chronological insertion order; the latest key
// may already be retired.
func (r Receipt) Identity(registry *ProviderRegistry) *ProviderIdentitySummary {
	record, ok := registry.ProviderRecordFor(r.subjectProvider())
	if !ok {
		return nil
	}
	var stakeRef *string
	if record.RegistrationSource.Kind == RegistrationStakeLinked {
		stake := record.RegistrationSource.StakeID
		stakeRef = &stake
	}
	history := make([]ProviderKeyHistory, 0, len(record.KeyVersions))
	for _, v := range record.KeyVersions {
		history = append(history, ProviderKeyHistory{
			Key:              v.VerifyingKey,
			RegisteredAtBlock: v.RegisteredAtBlock,
			RetiredAtBlock:   v.RetiredAtBlock,
			Evidence:         v.Evidence,
		})
	}
	var latest *[32]byte
	if n := len(record.KeyVersions); n > 0 {
		key := record.KeyVersions[n-1].VerifyingKey
		latest = &key
	}
	return &ProviderIdentitySummary{
		ProviderID:     record.ProviderID,
		StakeReference: stakeRef,
		RotationCount:  len(record.KeyVersions),
		LatestKey:      latest,
		KeyHistory:     history,
	}
}
