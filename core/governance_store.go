package core

// Governance collaborator store. The bridge consults two governance-owned
// key spaces: approved withdrawal releases and reward-claim approvals. The
// bridge only reads and deletes here — approvals are written by the
// governance pipeline out of band.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"theblock-network/pkg/utils"
)

const (
	govBucketApprovedReleases = "approved_releases"
	govBucketRewardClaims     = "reward_claims"
)

// ApprovedRelease is a governance attestation that a bridge withdrawal
// commitment may be released. Keyed by "bridge:{asset}:{hex commitment}".
type ApprovedRelease struct {
	BuildHash          string   `json:"build_hash"`
	ActivatedEpoch     uint64   `json:"activated_epoch"`
	Proposer           string   `json:"proposer"`
	Signatures         [][]byte `json:"signatures"`
	SignatureThreshold uint32   `json:"signature_threshold"`
	SignerSet          []string `json:"signer_set"`
	InstallTimes       []uint64 `json:"install_times"`
}

// RewardClaimApproval is a governance allowance letting a relayer withdraw
// accumulated duty rewards. Remaining is decremented by each claim and the
// approval is deleted once it reaches zero.
type RewardClaimApproval struct {
	ApprovalKey string `json:"approval_key"`
	Relayer     string `json:"relayer"`
	MaxAmount   uint64 `json:"max_amount"`
	Remaining   uint64 `json:"remaining"`
}

// NewRewardClaimApproval builds an approval with a full allowance.
func NewRewardClaimApproval(key, relayer string, maxAmount uint64) RewardClaimApproval {
	return RewardClaimApproval{ApprovalKey: key, Relayer: relayer, MaxAmount: maxAmount, Remaining: maxAmount}
}

// GovStore wraps the bolt database holding governance state.
type GovStore struct {
	db *bolt.DB
}

// GovDBPath resolves the governance database location. TB_GOV_DB_PATH wins;
// otherwise the store lives beside the node data directory.
func GovDBPath() string {
	return utils.EnvOrDefault("TB_GOV_DB_PATH", filepath.Join("data", "governance.db"))
}

// OpenGovStore opens (creating if needed) the governance database at path.
func OpenGovStore(path string) (*GovStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, utils.Wrap(err, "governance store dir")
		}
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, utils.Wrap(err, "open governance store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{govBucketApprovedReleases, govBucketRewardClaims} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, utils.Wrap(err, "init governance buckets")
	}
	return &GovStore{db: db}, nil
}

// Close releases the underlying database.
func (g *GovStore) Close() error { return g.db.Close() }

// ReleaseKey builds the approved-release key for a bridge commitment.
func ReleaseKey(asset string, commitment [32]byte) string {
	return fmt.Sprintf("bridge:%s:%x", asset, commitment)
}

// ApprovedRelease fetches the release approval stored under key, if any.
func (g *GovStore) ApprovedRelease(key string) (*ApprovedRelease, error) {
	var out *ApprovedRelease
	err := g.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(govBucketApprovedReleases)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rel ApprovedRelease
		if err := json.Unmarshal(raw, &rel); err != nil {
			return err
		}
		out = &rel
		return nil
	})
	return out, err
}

// RecordApprovedRelease stores a release approval. Used by the governance
// pipeline and by tests.
func (g *GovStore) RecordApprovedRelease(key string, rel ApprovedRelease) error {
	raw, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(govBucketApprovedReleases)).Put([]byte(key), raw)
	})
}

// RewardClaim fetches the approval stored under approvalKey, if any.
func (g *GovStore) RewardClaim(approvalKey string) (*RewardClaimApproval, error) {
	var out *RewardClaimApproval
	err := g.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(govBucketRewardClaims)).Get([]byte(approvalKey))
		if raw == nil {
			return nil
		}
		var appr RewardClaimApproval
		if err := json.Unmarshal(raw, &appr); err != nil {
			return err
		}
		out = &appr
		return nil
	})
	return out, err
}

// RecordRewardClaim stores an approval under its key.
func (g *GovStore) RecordRewardClaim(appr RewardClaimApproval) error {
	if appr.Remaining == 0 {
		appr.Remaining = appr.MaxAmount
	}
	raw, err := json.Marshal(appr)
	if err != nil {
		return err
	}
	return g.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(govBucketRewardClaims)).Put([]byte(appr.ApprovalKey), raw)
	})
}

// ConsumeRewardClaim debits amount from the approval's remaining allowance.
// The approval is deleted when the allowance reaches zero; consumed reports
// whether the deletion happened.
func (g *GovStore) ConsumeRewardClaim(approvalKey string, amount uint64) (consumed bool, err error) {
	err = g.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(govBucketRewardClaims))
		raw := bucket.Get([]byte(approvalKey))
		if raw == nil {
			return fmt.Errorf("reward claim approval %s not found", approvalKey)
		}
		var appr RewardClaimApproval
		if err := json.Unmarshal(raw, &appr); err != nil {
			return err
		}
		if appr.Remaining < amount {
			return fmt.Errorf("reward claim approval %s exhausted", approvalKey)
		}
		appr.Remaining -= amount
		if appr.Remaining == 0 {
			consumed = true
			return bucket.Delete([]byte(approvalKey))
		}
		updated, err := json.Marshal(appr)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(approvalKey), updated)
	})
	return consumed, err
}
