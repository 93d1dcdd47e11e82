package core

// Bridge settlement engine. Owns the authoritative state of cross-chain
// deposits, withdrawals, relayer duties, settlement proofs, reward claims
// and disputes. Asset-scoped operations serialise through a per-asset lock
// and relayer ledger writes through a shared relayer lock; every mutating
// operation journals its writes as deltas and rolls the journal back on
// any error before commit. Telemetry moves only after commit.

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Bridge is the settlement engine handle.
type Bridge struct {
	db  *StateDB
	log *logrus.Logger
	now func() int64

	locksMu    sync.Mutex
	assetLocks map[string]*sync.Mutex
	relayerMu  sync.Mutex
}

// OpenBridge opens the engine over its own column family at path.
func OpenBridge(path string) *Bridge {
	return NewBridge(OpenStateDB(CFBridge, path))
}

// NewBridge wraps an existing database handle.
func NewBridge(db *StateDB) *Bridge {
	lg := logrus.New()
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Bridge{
		db:         db,
		log:        lg,
		now:        func() int64 { return time.Now().Unix() },
		assetLocks: make(map[string]*sync.Mutex),
	}
}

// SetLogger replaces the engine logger.
func (b *Bridge) SetLogger(lg *logrus.Logger) {
	if lg != nil {
		b.log = lg
	}
}

// SetClock overrides the engine time source; tests use it to drive the
// challenge and duty windows.
func (b *Bridge) SetClock(now func() int64) {
	if now != nil {
		b.now = now
	}
}

func (b *Bridge) assetLock(asset string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	mu, ok := b.assetLocks[asset]
	if !ok {
		mu = &sync.Mutex{}
		b.assetLocks[asset] = mu
	}
	return mu
}

// ---------------------------------------------------------------------
// Key layout (logical CF "bridge")
// ---------------------------------------------------------------------

func le64Hex(n uint64) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return hex.EncodeToString(buf[:])
}

func channelKey(asset string) string  { return "channel/" + asset }
func nonceKey(asset string) string    { return "nonce/" + asset }
func relayerKey(relayer string) string { return "relayer/" + relayer }

func pendingKey(asset string, commitment [32]byte) string {
	return fmt.Sprintf("pending/%s/%x", asset, commitment)
}
func dutySetKey(asset string, commitment [32]byte) string {
	return fmt.Sprintf("dutyset/%s/%x", asset, commitment)
}
func settlementKey(asset string, commitment [32]byte) string {
	return fmt.Sprintf("settlement/%s/%x", asset, commitment)
}
func disputeKey(asset string, commitment [32]byte) string {
	return fmt.Sprintf("dispute/%s/%x", asset, commitment)
}
func claimKey(id uint64) string { return "claim/" + le64Hex(id) }

func dutyRecordKey(relayer, asset string, assignedAt int64, seq uint64) string {
	return fmt.Sprintf("duty/%s/%s/%s-%s", relayer, asset, le64Hex(uint64(assignedAt)), le64Hex(seq))
}

const (
	seqClaimKey      = "seq/claim"
	seqDutyKey       = "seq/duty"
	seqSettlementKey = "seq/settlement"
)

// dutyRef ties a commitment to the duty records it spawned.
type dutyRef struct {
	Relayer string `json:"relayer"`
	Key     string `json:"key"`
	Pending bool   `json:"pending"`
}

// ---------------------------------------------------------------------
// Persistence helpers
// ---------------------------------------------------------------------

func (b *Bridge) loadJSON(key string, out any) bool {
	raw, ok := b.db.GetCF(CFBridge, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		b.log.WithError(err).WithField("key", key).Warn("bridge: corrupt record")
		return false
	}
	return true
}

func (b *Bridge) storeJSON(key string, v any, deltas *[]DBDelta) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.InsertCFWithDelta(CFBridge, key, raw, deltas)
}

func (b *Bridge) nextSeq(key string, deltas *[]DBDelta) (uint64, error) {
	var next uint64
	if raw, ok := b.db.GetCF(CFBridge, key); ok && len(raw) == 8 {
		next = binary.LittleEndian.Uint64(raw)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], next+1)
	if err := b.db.InsertCFWithDelta(CFBridge, key, buf[:], deltas); err != nil {
		return 0, err
	}
	return next, nil
}

func (b *Bridge) channel(asset string) (*ChannelConfig, bool) {
	var cfg ChannelConfig
	if !b.loadJSON(channelKey(asset), &cfg) {
		return nil, false
	}
	return &cfg, true
}

func (b *Bridge) relayerInfo(relayer string) (*RelayerInfo, bool) {
	var info RelayerInfo
	if !b.loadJSON(relayerKey(relayer), &info) {
		return nil, false
	}
	return &info, true
}

// ---------------------------------------------------------------------
// Channel & bonding
// ---------------------------------------------------------------------

// SetChannelConfig installs or replaces the policy for an asset.
func (b *Bridge) SetChannelConfig(asset string, cfg ChannelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mu := b.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()
	cfg.Asset = asset
	var deltas []DBDelta
	if err := b.storeJSON(channelKey(asset), cfg, &deltas); err != nil {
		b.db.Rollback(deltas)
		return err
	}
	return nil
}

// BondRelayer adds bond for a relayer, creating its ledger on first use.
func (b *Bridge) BondRelayer(relayer string, amount uint64) error {
	params := GlobalIncentives()
	if amount < params.MinBond {
		return ErrInsufficientBond
	}
	b.relayerMu.Lock()
	defer b.relayerMu.Unlock()
	info, _ := b.relayerInfo(relayer)
	if info == nil {
		info = &RelayerInfo{}
	}
	info.Bond += amount
	var deltas []DBDelta
	if err := b.storeJSON(relayerKey(relayer), info, &deltas); err != nil {
		b.db.Rollback(deltas)
		return err
	}
	return nil
}

// ---------------------------------------------------------------------
// Deposit
// ---------------------------------------------------------------------

// Deposit verifies the external header and inclusion proof, assigns duties
// across the relayer bundle and acknowledges with a channel-monotone nonce.
// The submitting relayer's duty completes immediately; the rest stay
// pending until the paired withdrawal finalises, is challenged, or the
// duty window elapses.
func (b *Bridge) Deposit(asset, relayer, user string, amount uint64, header *PowHeader, proof *MerkleProof, bundle RelayerBundle) (DepositReceipt, error) {
	mu := b.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()
	b.relayerMu.Lock()
	defer b.relayerMu.Unlock()

	cfg, ok := b.channel(asset)
	if !ok {
		return DepositReceipt{}, ErrUnknownAsset
	}
	ids := bundle.RelayerIDs()
	if uint32(len(ids)) < cfg.RelayerQuorum {
		return DepositReceipt{}, ErrRelayerQuorumNotMet
	}
	submitter, ok := b.relayerInfo(relayer)
	if !ok || submitter.Bond == 0 {
		return DepositReceipt{}, ErrNotBonded
	}
	if err := verifyPowHeader(header, cfg); err != nil {
		return DepositReceipt{}, err
	}
	if err := verifyMerkleProof(proof, header.MerkleRoot); err != nil {
		return DepositReceipt{}, err
	}
	if err := persistHeader(cfg.HeadersDir, header); err != nil {
		b.log.WithError(err).Warn("bridge: header archive failed")
	}

	params := GlobalIncentives()
	now := b.now()
	var deltas []DBDelta
	commit := bundle.AggregateCommitment(user, amount)

	refs := make([]dutyRef, 0, len(ids))
	fail := func(err error) (DepositReceipt, error) {
		b.db.Rollback(deltas)
		return DepositReceipt{}, err
	}
	for _, id := range ids {
		seq, err := b.nextSeq(seqDutyKey, &deltas)
		if err != nil {
			return fail(err)
		}
		key := dutyRecordKey(id, asset, now, seq)
		record := DutyRecord{
			Relayer:        id,
			Asset:          asset,
			AssignedAt:     now,
			Status:         DutyStatus{State: DutyPending},
			RewardSnapshot: params.DutyReward,
		}
		info, _ := b.relayerInfo(id)
		if info == nil {
			info = &RelayerInfo{}
		}
		info.DutiesAssigned++
		if id == relayer {
			record.Status = DutyStatus{State: DutyCompleted, At: now}
			info.DutiesCompleted++
			info.RewardsEarned += params.DutyReward
			info.RewardsPending += params.DutyReward
		} else {
			info.PendingDuties++
		}
		if err := b.storeJSON(key, record, &deltas); err != nil {
			return fail(err)
		}
		if err := b.storeJSON(relayerKey(id), info, &deltas); err != nil {
			return fail(err)
		}
		refs = append(refs, dutyRef{Relayer: id, Key: key, Pending: id != relayer})
	}
	if err := b.storeJSON(dutySetKey(asset, commit), refs, &deltas); err != nil {
		return fail(err)
	}

	var nonce uint64
	if raw, ok := b.db.GetCF(CFBridge, nonceKey(asset)); ok && len(raw) == 8 {
		nonce = binary.LittleEndian.Uint64(raw)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce+1)
	if err := b.db.InsertCFWithDelta(CFBridge, nonceKey(asset), buf[:], &deltas); err != nil {
		return fail(err)
	}

	BridgeDepositsTotal.Inc()
	return DepositReceipt{Asset: asset, User: user, Amount: amount, Nonce: nonce}, nil
}

// ---------------------------------------------------------------------
// Withdrawal lifecycle
// ---------------------------------------------------------------------

// RequestWithdrawal opens the withdrawal identified by the bundle's
// aggregate commitment. Governance must have recorded an ApprovedRelease
// for the commitment; the requesting relayer takes on a withdrawal duty
// that completes on finalisation.
func (b *Bridge) RequestWithdrawal(asset, relayer, user string, amount uint64, bundle RelayerBundle) ([32]byte, error) {
	mu := b.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()
	b.relayerMu.Lock()
	defer b.relayerMu.Unlock()

	var zero [32]byte
	cfg, ok := b.channel(asset)
	if !ok {
		return zero, ErrUnknownAsset
	}
	ids := bundle.RelayerIDs()
	if uint32(len(ids)) < cfg.RelayerQuorum {
		return zero, ErrRelayerQuorumNotMet
	}
	commit := bundle.AggregateCommitment(user, amount)

	gov, err := OpenGovStore(GovDBPath())
	if err != nil {
		return zero, err
	}
	release, err := gov.ApprovedRelease(ReleaseKey(asset, commit))
	_ = gov.Close()
	if err != nil {
		return zero, err
	}
	if release == nil {
		return zero, ErrUnapprovedRelease
	}

	params := GlobalIncentives()
	now := b.now()
	var deltas []DBDelta
	fail := func(err error) ([32]byte, error) {
		b.db.Rollback(deltas)
		return zero, err
	}

	seq, err := b.nextSeq(seqDutyKey, &deltas)
	if err != nil {
		return fail(err)
	}
	dutyKey := dutyRecordKey(relayer, asset, now, seq)
	record := DutyRecord{
		Relayer:        relayer,
		Asset:          asset,
		AssignedAt:     now,
		Status:         DutyStatus{State: DutyPending},
		RewardSnapshot: params.DutyReward,
	}
	if err := b.storeJSON(dutyKey, record, &deltas); err != nil {
		return fail(err)
	}
	info, _ := b.relayerInfo(relayer)
	if info == nil {
		info = &RelayerInfo{}
	}
	info.DutiesAssigned++
	info.PendingDuties++
	if err := b.storeJSON(relayerKey(relayer), info, &deltas); err != nil {
		return fail(err)
	}

	pending := PendingWithdrawal{
		Commitment:              commit,
		Asset:                   asset,
		Requester:               relayer,
		User:                    user,
		Amount:                  amount,
		RelayerIDs:              ids,
		RequestedAt:             now,
		RequiresSettlementProof: cfg.RequiresSettlementProof,
		SettlementChain:         cfg.SettlementChain,
		DutyKey:                 dutyKey,
	}
	if err := b.storeJSON(pendingKey(asset, commit), pending, &deltas); err != nil {
		return fail(err)
	}
	dispute := DisputeRecord{
		Commitment:         commit,
		Asset:              asset,
		RequestedAt:        now,
		SettlementRequired: cfg.RequiresSettlementProof,
		SettlementChain:    cfg.SettlementChain,
		RelayerOutcomes:    b.outcomesFor(asset, commit, dutyKey),
	}
	if err := b.storeJSON(disputeKey(asset, commit), dispute, &deltas); err != nil {
		return fail(err)
	}
	return commit, nil
}

// outcomesFor snapshots duty statuses for the dispute view.
func (b *Bridge) outcomesFor(asset string, commit [32]byte, extraKeys ...string) []RelayerOutcome {
	var refs []dutyRef
	b.loadJSON(dutySetKey(asset, commit), &refs)
	keys := make([]string, 0, len(refs)+len(extraKeys))
	for _, ref := range refs {
		keys = append(keys, ref.Key)
	}
	keys = append(keys, extraKeys...)
	out := make([]RelayerOutcome, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		var duty DutyRecord
		if !b.loadJSON(key, &duty) {
			continue
		}
		out = append(out, RelayerOutcome{Relayer: duty.Relayer, Status: duty.Status.State})
	}
	return out
}

// ChallengeWithdrawal disputes an open withdrawal. Idempotent: challenging
// an already-challenged commitment succeeds without further effect. The
// whole relayer bundle is slashed.
func (b *Bridge) ChallengeWithdrawal(asset string, commitment [32]byte, challenger string) error {
	mu := b.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()
	b.relayerMu.Lock()
	defer b.relayerMu.Unlock()

	var pending PendingWithdrawal
	if !b.loadJSON(pendingKey(asset, commitment), &pending) {
		return ErrUnknownCommitment
	}
	if pending.Challenged {
		return nil
	}
	cfg, ok := b.channel(asset)
	if !ok {
		return ErrUnknownAsset
	}
	now := b.now()
	if uint64(now-pending.RequestedAt) > cfg.ChallengePeriodSecs {
		return ErrChallengeWindowElapsed
	}

	params := GlobalIncentives()
	var deltas []DBDelta
	fail := func(err error) error {
		b.db.Rollback(deltas)
		return err
	}

	pending.Challenged = true
	pending.Challenger = &challenger
	if err := b.storeJSON(pendingKey(asset, commitment), pending, &deltas); err != nil {
		return fail(err)
	}

	if err := b.failCommitmentDuties(asset, commitment, pending.DutyKey, "withdrawal challenged", now, &deltas); err != nil {
		return fail(err)
	}
	for _, id := range pending.RelayerIDs {
		info, _ := b.relayerInfo(id)
		if info == nil {
			info = &RelayerInfo{}
		}
		info.PenaltiesApplied += params.ChallengeSlash
		debit := params.ChallengeSlash
		if debit > info.Bond {
			debit = info.Bond
		}
		info.Bond -= debit
		if err := b.storeJSON(relayerKey(id), info, &deltas); err != nil {
			return fail(err)
		}
	}

	var dispute DisputeRecord
	if b.loadJSON(disputeKey(asset, commitment), &dispute) {
		dispute.Challenged = true
		dispute.Challenger = &challenger
		dispute.RelayerOutcomes = b.outcomesFor(asset, commitment, pending.DutyKey)
		if err := b.storeJSON(disputeKey(asset, commitment), dispute, &deltas); err != nil {
			return fail(err)
		}
	}

	BridgeDisputeOutcomesTotal.WithLabelValues("withdrawal", "challenge_accepted").Inc()
	return nil
}

// failCommitmentDuties marks every still-pending duty of a commitment (plus
// the withdrawal duty) failed and settles the relayer counters.
func (b *Bridge) failCommitmentDuties(asset string, commitment [32]byte, withdrawalDuty, reason string, now int64, deltas *[]DBDelta) error {
	var refs []dutyRef
	b.loadJSON(dutySetKey(asset, commitment), &refs)
	keys := make([]string, 0, len(refs)+1)
	for i := range refs {
		if refs[i].Pending {
			keys = append(keys, refs[i].Key)
			refs[i].Pending = false
		}
	}
	if withdrawalDuty != "" {
		keys = append(keys, withdrawalDuty)
	}
	for _, key := range keys {
		var duty DutyRecord
		if !b.loadJSON(key, &duty) || duty.Status.State != DutyPending {
			continue
		}
		duty.Status = DutyStatus{State: DutyFailed, At: now, Reason: reason}
		if err := b.storeJSON(key, duty, deltas); err != nil {
			return err
		}
		info, _ := b.relayerInfo(duty.Relayer)
		if info == nil {
			info = &RelayerInfo{}
		}
		if info.PendingDuties > 0 {
			info.PendingDuties--
		}
		info.DutiesFailed++
		if err := b.storeJSON(relayerKey(duty.Relayer), info, deltas); err != nil {
			return err
		}
	}
	if len(refs) > 0 {
		if err := b.storeJSON(dutySetKey(asset, commitment), refs, deltas); err != nil {
			return err
		}
	}
	return nil
}

// SubmitSettlementProof records an external-chain settlement attestation
// for an open withdrawal. One record per (asset, commitment).
func (b *Bridge) SubmitSettlementProof(asset, relayer string, proof ExternalSettlementProof) (SettlementRecord, error) {
	mu := b.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()

	var zero SettlementRecord
	cfg, ok := b.channel(asset)
	if !ok {
		return zero, ErrUnknownAsset
	}
	var pending PendingWithdrawal
	if !b.loadJSON(pendingKey(asset, proof.Commitment), &pending) {
		return zero, ErrUnknownCommitment
	}
	if cfg.SettlementChain == nil || *cfg.SettlementChain != proof.SettlementChain {
		BridgeSettlementResultsTotal.WithLabelValues("failure", "chain_mismatch").Inc()
		return zero, fmt.Errorf("%w: channel expects %s", ErrSettlementProofChainMismatch, settlementChainLabel(cfg.SettlementChain))
	}
	if _, ok := b.db.GetCF(CFBridge, settlementKey(asset, proof.Commitment)); ok {
		return zero, ErrSettlementProofDuplicate
	}

	now := b.now()
	var deltas []DBDelta
	fail := func(err error) (SettlementRecord, error) {
		b.db.Rollback(deltas)
		return zero, err
	}
	seq, err := b.nextSeq(seqSettlementKey, &deltas)
	if err != nil {
		return fail(err)
	}
	chain := proof.SettlementChain
	record := SettlementRecord{
		Seq:              seq,
		Commitment:       proof.Commitment,
		Asset:            asset,
		Relayer:          relayer,
		SettlementChain:  &chain,
		ProofHash:        proof.ProofHash,
		SettlementHeight: proof.SettlementHeight,
		SubmittedAt:      now,
	}
	if err := b.storeJSON(settlementKey(asset, proof.Commitment), record, &deltas); err != nil {
		return fail(err)
	}
	pending.SettlementSubmittedAt = &now
	if err := b.storeJSON(pendingKey(asset, proof.Commitment), pending, &deltas); err != nil {
		return fail(err)
	}
	var dispute DisputeRecord
	if b.loadJSON(disputeKey(asset, proof.Commitment), &dispute) {
		dispute.SettlementSubmittedAt = &now
		if err := b.storeJSON(disputeKey(asset, proof.Commitment), dispute, &deltas); err != nil {
			return fail(err)
		}
	}

	BridgeSettlementResultsTotal.WithLabelValues("success", "ok").Inc()
	BridgeDisputeOutcomesTotal.WithLabelValues("settlement", "success").Inc()
	return record, nil
}

func settlementChainLabel(chain *string) string {
	if chain == nil {
		return "none"
	}
	return *chain
}

// FinalizeWithdrawal closes an open withdrawal, completing the pending
// duties of its deposit bundle and the requester's withdrawal duty.
func (b *Bridge) FinalizeWithdrawal(asset string, commitment [32]byte) error {
	mu := b.assetLock(asset)
	mu.Lock()
	defer mu.Unlock()
	b.relayerMu.Lock()
	defer b.relayerMu.Unlock()

	var pending PendingWithdrawal
	if !b.loadJSON(pendingKey(asset, commitment), &pending) {
		return ErrUnknownCommitment
	}
	if pending.Challenged {
		return ErrChallengePending
	}
	if pending.RequiresSettlementProof {
		if _, ok := b.db.GetCF(CFBridge, settlementKey(asset, commitment)); !ok {
			return fmt.Errorf("%w: chain %s", ErrSettlementProofRequired, settlementChainLabel(pending.SettlementChain))
		}
	}

	now := b.now()
	var deltas []DBDelta
	fail := func(err error) error {
		b.db.Rollback(deltas)
		return err
	}

	var refs []dutyRef
	b.loadJSON(dutySetKey(asset, commitment), &refs)
	keys := make([]string, 0, len(refs)+1)
	for _, ref := range refs {
		if ref.Pending {
			keys = append(keys, ref.Key)
		}
	}
	if pending.DutyKey != "" {
		keys = append(keys, pending.DutyKey)
	}
	for _, key := range keys {
		var duty DutyRecord
		if !b.loadJSON(key, &duty) || duty.Status.State != DutyPending {
			continue
		}
		duty.Status = DutyStatus{State: DutyCompleted, At: now}
		if err := b.storeJSON(key, duty, &deltas); err != nil {
			return fail(err)
		}
		info, _ := b.relayerInfo(duty.Relayer)
		if info == nil {
			info = &RelayerInfo{}
		}
		if info.PendingDuties > 0 {
			info.PendingDuties--
		}
		info.DutiesCompleted++
		info.RewardsEarned += duty.RewardSnapshot
		info.RewardsPending += duty.RewardSnapshot
		if err := b.storeJSON(relayerKey(duty.Relayer), info, &deltas); err != nil {
			return fail(err)
		}
	}

	var dispute DisputeRecord
	if b.loadJSON(disputeKey(asset, commitment), &dispute) {
		dispute.RelayerOutcomes = b.outcomesFor(asset, commitment, pending.DutyKey)
		if err := b.storeJSON(disputeKey(asset, commitment), dispute, &deltas); err != nil {
			return fail(err)
		}
	}
	if err := b.db.RemoveCFWithDelta(CFBridge, dutySetKey(asset, commitment), &deltas); err != nil {
		return fail(err)
	}
	if err := b.db.RemoveCFWithDelta(CFBridge, pendingKey(asset, commitment), &deltas); err != nil {
		return fail(err)
	}

	if pending.RequiresSettlementProof {
		BridgeDisputeOutcomesTotal.WithLabelValues("settlement", "finalized").Inc()
	} else {
		BridgeDisputeOutcomesTotal.WithLabelValues("withdrawal", "finalized").Inc()
	}
	return nil
}

// ExpireDutyWindows fails every pending deposit duty whose window has
// elapsed, slashing the owning relayer with the failure penalty.
func (b *Bridge) ExpireDutyWindows() error {
	b.relayerMu.Lock()
	defer b.relayerMu.Unlock()

	params := GlobalIncentives()
	now := b.now()
	var setKeys []string
	b.db.PrefixIterate(CFBridge, "dutyset/", func(key string, _ []byte) bool {
		setKeys = append(setKeys, key)
		return true
	})
	for _, setKey := range setKeys {
		var refs []dutyRef
		if !b.loadJSON(setKey, &refs) {
			continue
		}
		changed := false
		var deltas []DBDelta
		rollback := func(err error) error {
			b.db.Rollback(deltas)
			return err
		}
		for i := range refs {
			if !refs[i].Pending {
				continue
			}
			var duty DutyRecord
			if !b.loadJSON(refs[i].Key, &duty) || duty.Status.State != DutyPending {
				continue
			}
			if uint64(now-duty.AssignedAt) <= params.DutyWindowSecs {
				continue
			}
			duty.Status = DutyStatus{State: DutyFailed, At: now, Reason: "duty window elapsed"}
			if err := b.storeJSON(refs[i].Key, duty, &deltas); err != nil {
				return rollback(err)
			}
			info, _ := b.relayerInfo(duty.Relayer)
			if info == nil {
				info = &RelayerInfo{}
			}
			if info.PendingDuties > 0 {
				info.PendingDuties--
			}
			info.DutiesFailed++
			info.PenaltiesApplied += params.FailureSlash
			debit := params.FailureSlash
			if debit > info.Bond {
				debit = info.Bond
			}
			info.Bond -= debit
			if err := b.storeJSON(relayerKey(duty.Relayer), info, &deltas); err != nil {
				return rollback(err)
			}
			refs[i].Pending = false
			changed = true
		}
		if changed {
			if err := b.storeJSON(setKey, refs, &deltas); err != nil {
				return rollback(err)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Reward claims
// ---------------------------------------------------------------------

// ClaimRewards pays out pending duty rewards against a governance approval.
// The approval's allowance is debited and deleted once exhausted.
func (b *Bridge) ClaimRewards(relayer string, amount uint64, approvalKey string) (RewardClaim, error) {
	b.relayerMu.Lock()
	defer b.relayerMu.Unlock()

	var zero RewardClaim
	reject := func(reason string) (RewardClaim, error) {
		return zero, fmt.Errorf("%w: %s", ErrRewardClaimRejected, reason)
	}
	info, ok := b.relayerInfo(relayer)
	if !ok {
		return reject("unknown relayer")
	}
	gov, err := OpenGovStore(GovDBPath())
	if err != nil {
		return zero, err
	}
	defer gov.Close()
	appr, err := gov.RewardClaim(approvalKey)
	if err != nil {
		return zero, err
	}
	switch {
	case appr == nil:
		return reject("no approval for key")
	case appr.Relayer != relayer:
		return reject("approval bound to another relayer")
	case appr.MaxAmount < amount:
		return reject("approval allowance below requested amount")
	case appr.Remaining < amount:
		return reject("approval allowance exhausted")
	case info.RewardsPending < amount:
		return reject("insufficient pending rewards")
	}

	now := b.now()
	var deltas []DBDelta
	fail := func(err error) (RewardClaim, error) {
		b.db.Rollback(deltas)
		return zero, err
	}
	id, err := b.nextSeq(seqClaimKey, &deltas)
	if err != nil {
		return fail(err)
	}
	info.RewardsPending -= amount
	info.RewardsClaimed += amount
	if err := b.storeJSON(relayerKey(relayer), info, &deltas); err != nil {
		return fail(err)
	}
	claim := RewardClaim{
		ID:           id,
		Relayer:      relayer,
		Amount:       amount,
		ApprovalKey:  approvalKey,
		ClaimedAt:    now,
		PendingAfter: info.RewardsPending,
	}
	if err := b.storeJSON(claimKey(id), claim, &deltas); err != nil {
		return fail(err)
	}
	consumed, err := gov.ConsumeRewardClaim(approvalKey, amount)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRewardClaimRejected, err))
	}

	BridgeRewardClaimsTotal.Inc()
	if consumed {
		BridgeRewardApprovalsConsumedTotal.Inc()
	}
	return claim, nil
}

// ---------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------

// RelayerStatus returns the incentive ledger for a relayer.
func (b *Bridge) RelayerStatus(relayer string, asset *string) (string, RelayerInfo, error) {
	info, ok := b.relayerInfo(relayer)
	if !ok {
		return "", RelayerInfo{}, ErrUnknownRelayer
	}
	label := ""
	if asset != nil {
		label = *asset
	}
	return label, *info, nil
}

// DutyLog lists duty records, optionally filtered by relayer and asset,
// oldest first.
func (b *Bridge) DutyLog(relayer, asset *string, limit int) []DutyRecord {
	prefix := "duty/"
	if relayer != nil {
		prefix += *relayer + "/"
		if asset != nil {
			prefix += *asset + "/"
		}
	}
	var out []DutyRecord
	b.db.PrefixIterate(CFBridge, prefix, func(_ string, raw []byte) bool {
		var record DutyRecord
		if json.Unmarshal(raw, &record) != nil {
			return true
		}
		if relayer != nil && record.Relayer != *relayer {
			return true
		}
		if asset != nil && record.Asset != *asset {
			return true
		}
		out = append(out, record)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].AssignedAt < out[j].AssignedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PendingWithdrawals lists open withdrawals ordered by (asset, requested_at,
// commitment).
func (b *Bridge) PendingWithdrawals(asset *string) []PendingWithdrawal {
	prefix := "pending/"
	if asset != nil {
		prefix += *asset + "/"
	}
	var out []PendingWithdrawal
	b.db.PrefixIterate(CFBridge, prefix, func(_ string, raw []byte) bool {
		var record PendingWithdrawal
		if json.Unmarshal(raw, &record) == nil {
			out = append(out, record)
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		if out[i].RequestedAt != out[j].RequestedAt {
			return out[i].RequestedAt < out[j].RequestedAt
		}
		return strings.Compare(hex.EncodeToString(out[i].Commitment[:]), hex.EncodeToString(out[j].Commitment[:])) < 0
	})
	return out
}

func paginate[T any](items []T, cursor *uint64, limit int) ([]T, *uint64) {
	start := 0
	if cursor != nil {
		start = int(*cursor)
	}
	if start >= len(items) {
		return nil, nil
	}
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := items[start:end]
	if end < len(items) {
		next := uint64(end)
		return page, &next
	}
	return page, nil
}

// RewardClaims lists paid claims in id order with stable offset pagination.
func (b *Bridge) RewardClaims(relayer *string, cursor *uint64, limit int) ([]RewardClaim, *uint64) {
	var all []RewardClaim
	b.db.PrefixIterate(CFBridge, "claim/", func(_ string, raw []byte) bool {
		var claim RewardClaim
		if json.Unmarshal(raw, &claim) == nil {
			if relayer == nil || claim.Relayer == *relayer {
				all = append(all, claim)
			}
		}
		return true
	})
	sort.SliceStable(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, cursor, limit)
}

// SettlementRecords lists accepted settlement proofs in submission order.
func (b *Bridge) SettlementRecords(asset *string, cursor *uint64, limit int) ([]SettlementRecord, *uint64) {
	prefix := "settlement/"
	if asset != nil {
		prefix += *asset + "/"
	}
	var all []SettlementRecord
	b.db.PrefixIterate(CFBridge, prefix, func(_ string, raw []byte) bool {
		var record SettlementRecord
		if json.Unmarshal(raw, &record) == nil {
			all = append(all, record)
		}
		return true
	})
	sort.SliceStable(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return paginate(all, cursor, limit)
}

// DisputeAudit synthesises the dispute view, ordered by (asset,
// requested_at, commitment) with stable offset pagination.
func (b *Bridge) DisputeAudit(asset *string, cursor *uint64, limit int) ([]DisputeRecord, *uint64) {
	prefix := "dispute/"
	if asset != nil {
		prefix += *asset + "/"
	}
	var all []DisputeRecord
	b.db.PrefixIterate(CFBridge, prefix, func(_ string, raw []byte) bool {
		var record DisputeRecord
		if json.Unmarshal(raw, &record) == nil {
			all = append(all, record)
		}
		return true
	})
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Asset != all[j].Asset {
			return all[i].Asset < all[j].Asset
		}
		if all[i].RequestedAt != all[j].RequestedAt {
			return all[i].RequestedAt < all[j].RequestedAt
		}
		return strings.Compare(hex.EncodeToString(all[i].Commitment[:]), hex.EncodeToString(all[j].Commitment[:])) < 0
	})
	return paginate(all, cursor, limit)
}
