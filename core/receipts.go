package core

// Market receipts. Every finalised settlement or slash in the five receipt
// markets (storage, compute, energy, advertising, relay) emits one receipt;
// the audit engine derives causality queries and invariants from them.

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ReceiptKind tags the Receipt union.
type ReceiptKind uint8

const (
	ReceiptStorage ReceiptKind = iota
	ReceiptCompute
	ReceiptEnergy
	ReceiptAd
	ReceiptRelay
	ReceiptStorageSlash
	ReceiptComputeSlash
	ReceiptEnergySlash
)

// BlockTorchMeta is the compute provenance bundle attached to verified
// compute receipts.
type BlockTorchMeta struct {
	KernelVariantDigest [32]byte `json:"kernel_variant_digest"`
	DescriptorDigest    [32]byte `json:"descriptor_digest"`
	OutputDigest        [32]byte `json:"output_digest"`
	ProofLatencyMS      uint64   `json:"proof_latency_ms"`
	BenchmarkCommit     string   `json:"benchmark_commit,omitempty"`
	TensorProfileEpoch  string   `json:"tensor_profile_epoch,omitempty"`
}

// StorageReceipt settles a storage contract payout.
type StorageReceipt struct {
	ContractID        string    `json:"contract_id"`
	Provider          string    `json:"provider"`
	Bytes             uint64    `json:"bytes"`
	Price             uint64    `json:"price"`
	BlockHeight       uint64    `json:"block_height"`
	ProviderEscrow    uint64    `json:"provider_escrow"`
	Region            *string   `json:"region,omitempty"`
	ChunkHash         *[32]byte `json:"chunk_hash,omitempty"`
	ProviderSignature []byte    `json:"provider_signature"`
	SignatureNonce    uint64    `json:"signature_nonce"`
}

// ComputeReceipt settles a compute job payout.
type ComputeReceipt struct {
	JobID             string          `json:"job_id"`
	Provider          string          `json:"provider"`
	ComputeUnits      uint64          `json:"compute_units"`
	Payment           uint64          `json:"payment"`
	BlockHeight       uint64          `json:"block_height"`
	Verified          bool            `json:"verified"`
	BlockTorch        *BlockTorchMeta `json:"blocktorch,omitempty"`
	ProviderSignature []byte          `json:"provider_signature"`
	SignatureNonce    uint64          `json:"signature_nonce"`
}

// EnergyReceipt settles an energy delivery payout.
type EnergyReceipt struct {
	ContractID        string   `json:"contract_id"`
	Provider          string   `json:"provider"`
	EnergyUnits       uint64   `json:"energy_units"`
	Price             uint64   `json:"price"`
	BlockHeight       uint64   `json:"block_height"`
	ProofHash         [32]byte `json:"proof_hash"`
	ProviderSignature []byte   `json:"provider_signature"`
	SignatureNonce    uint64   `json:"signature_nonce"`
}

// AdReceipt settles an advertising campaign payout to a publisher.
type AdReceipt struct {
	CampaignID        string `json:"campaign_id"`
	Publisher         string `json:"publisher"`
	Impressions       uint64 `json:"impressions"`
	Conversions       uint32 `json:"conversions"`
	Spend             uint64 `json:"spend"`
	BlockHeight       uint64 `json:"block_height"`
	ProviderSignature []byte `json:"provider_signature"`
	SignatureNonce    uint64 `json:"signature_nonce"`
}

// RelayReceipt settles a relay bandwidth payout.
type RelayReceipt struct {
	JobID                  string  `json:"job_id"`
	Provider               string  `json:"provider"`
	Bytes                  uint64  `json:"bytes"`
	TotalUSDMicros         uint64  `json:"total_usd_micros"`
	ClearingPriceUSDMicros uint64  `json:"clearing_price_usd_micros"`
	ResourceFloorUSDMicros uint64  `json:"resource_floor_usd_micros"`
	BlockHeight            uint64  `json:"block_height"`
	MeshPeer               *string `json:"mesh_peer,omitempty"`
	ProviderSignature      []byte  `json:"provider_signature"`
	SignatureNonce         uint64  `json:"signature_nonce"`
}

// StorageSlashReceipt records a storage provider slash.
type StorageSlashReceipt struct {
	Provider          string `json:"provider"`
	Amount            uint64 `json:"amount"`
	Reason            string `json:"reason"`
	BlockHeight       uint64 `json:"block_height"`
	ProviderSignature []byte `json:"provider_signature"`
	SignatureNonce    uint64 `json:"signature_nonce"`
}

// ComputeSlashReceipt records a compute provider slash; the burned amount
// leaves the provider's escrow.
type ComputeSlashReceipt struct {
	Provider          string `json:"provider"`
	Burned            uint64 `json:"burned"`
	Reason            string `json:"reason"`
	BlockHeight       uint64 `json:"block_height"`
	ProviderSignature []byte `json:"provider_signature"`
	SignatureNonce    uint64 `json:"signature_nonce"`
}

// EnergySlashReceipt records an energy provider slash.
type EnergySlashReceipt struct {
	Provider          string `json:"provider"`
	SlashAmount       uint64 `json:"slash_amount"`
	Reason            string `json:"reason"`
	BlockHeight       uint64 `json:"block_height"`
	ProviderSignature []byte `json:"provider_signature"`
	SignatureNonce    uint64 `json:"signature_nonce"`
}

// Receipt is the eight-variant union. Exactly one field is non-nil; Kind
// names it.
type Receipt struct {
	Kind         ReceiptKind          `json:"kind"`
	Storage      *StorageReceipt      `json:"storage,omitempty"`
	Compute      *ComputeReceipt      `json:"compute,omitempty"`
	Energy       *EnergyReceipt       `json:"energy,omitempty"`
	Ad           *AdReceipt           `json:"ad,omitempty"`
	Relay        *RelayReceipt        `json:"relay,omitempty"`
	StorageSlash *StorageSlashReceipt `json:"storage_slash,omitempty"`
	ComputeSlash *ComputeSlashReceipt `json:"compute_slash,omitempty"`
	EnergySlash  *EnergySlashReceipt  `json:"energy_slash,omitempty"`
}

func NewStorageReceipt(r StorageReceipt) Receipt {
	return Receipt{Kind: ReceiptStorage, Storage: &r}
}
func NewComputeReceipt(r ComputeReceipt) Receipt {
	return Receipt{Kind: ReceiptCompute, Compute: &r}
}
func NewEnergyReceipt(r EnergyReceipt) Receipt {
	return Receipt{Kind: ReceiptEnergy, Energy: &r}
}
func NewAdReceipt(r AdReceipt) Receipt { return Receipt{Kind: ReceiptAd, Ad: &r} }
func NewRelayReceipt(r RelayReceipt) Receipt {
	return Receipt{Kind: ReceiptRelay, Relay: &r}
}
func NewStorageSlashReceipt(r StorageSlashReceipt) Receipt {
	return Receipt{Kind: ReceiptStorageSlash, StorageSlash: &r}
}
func NewComputeSlashReceipt(r ComputeSlashReceipt) Receipt {
	return Receipt{Kind: ReceiptComputeSlash, ComputeSlash: &r}
}
func NewEnergySlashReceipt(r EnergySlashReceipt) Receipt {
	return Receipt{Kind: ReceiptEnergySlash, EnergySlash: &r}
}

// ChunkFingerprint derives the content address cited by storage receipts:
// the raw SHA-256 multihash digest plus the canonical CIDv1 string used by
// the repair pipeline.
func ChunkFingerprint(data []byte) ([32]byte, string, error) {
	var digest [32]byte
	encoded, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return digest, "", err
	}
	decoded, err := mh.Decode(encoded)
	if err != nil {
		return digest, "", err
	}
	copy(digest[:], decoded.Digest)
	c := cid.NewCidV1(cid.Raw, encoded)
	return digest, c.String(), nil
}
