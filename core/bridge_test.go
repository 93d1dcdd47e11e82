package core

import (
	"errors"
	"path/filepath"
	"testing"
)

// ------------------------------------------------------------
// Helpers
// ------------------------------------------------------------

func newTestBridge(t *testing.T, challengePeriodSecs uint64) (*Bridge, func() int64) {
	t.Helper()
	t.Setenv("TB_GOV_DB_PATH", filepath.Join(t.TempDir(), "gov.db"))
	bridge := NewBridge(OpenTemporaryStateDB(CFBridge))
	clock := int64(1_000)
	bridge.SetClock(func() int64 { return clock })
	tick := func() int64 { clock++; return clock }

	cfg := ChannelConfig{
		Asset:               "native",
		ConfirmDepth:        1,
		ChallengePeriodSecs: challengePeriodSecs,
		RelayerQuorum:       2,
		HeadersDir:          filepath.Join(t.TempDir(), "headers_native"),
	}
	if err := bridge.SetChannelConfig("native", cfg); err != nil {
		t.Fatalf("configure channel: %v", err)
	}
	return bridge, tick
}

func setIncentives(t *testing.T, params BridgeIncentiveParameters) {
	t.Helper()
	previous := GlobalIncentives()
	SetGlobalIncentives(params)
	t.Cleanup(func() { SetGlobalIncentives(previous) })
}

func sampleHeader(t *testing.T, height uint64) *PowHeader {
	t.Helper()
	header := &PowHeader{
		ChainID: "native",
		Height:  height,
		Target:  ^uint64(0),
	}
	header.Signature = HeaderHash(header.ChainID, header.Height, header.MerkleRoot)
	return header
}

func sampleProof() *MerkleProof { return &MerkleProof{} }

func sampleBundle(user string, amount uint64) RelayerBundle {
	return NewRelayerBundle(
		RelayerProof{RelayerID: "r1", User: user, Amount: amount},
		RelayerProof{RelayerID: "r2", User: user, Amount: amount},
	)
}

func approveRelease(t *testing.T, asset string, commitment [32]byte) {
	t.Helper()
	gov, err := OpenGovStore(GovDBPath())
	if err != nil {
		t.Fatalf("open gov store: %v", err)
	}
	defer gov.Close()
	key := ReleaseKey(asset, commitment)
	err = gov.RecordApprovedRelease(key, ApprovedRelease{BuildHash: key, Proposer: "tester"})
	if err != nil {
		t.Fatalf("record release: %v", err)
	}
}

func recordApproval(t *testing.T, appr RewardClaimApproval) {
	t.Helper()
	gov, err := OpenGovStore(GovDBPath())
	if err != nil {
		t.Fatalf("open gov store: %v", err)
	}
	defer gov.Close()
	if err := gov.RecordRewardClaim(appr); err != nil {
		t.Fatalf("record approval: %v", err)
	}
}

func mustStatus(t *testing.T, bridge *Bridge, relayer string) RelayerInfo {
	t.Helper()
	asset := "native"
	_, info, err := bridge.RelayerStatus(relayer, &asset)
	if err != nil {
		t.Fatalf("relayer status %s: %v", relayer, err)
	}
	return info
}

// ------------------------------------------------------------
// Incentive accounting: deposit, withdrawal, challenge
// ------------------------------------------------------------

func TestBridgeIncentiveAccountingTracksRewardsAndSlashes(t *testing.T) {
	bridge, tick := newTestBridge(t, 0)
	params := BridgeIncentiveParameters{
		MinBond:        10,
		DutyReward:     25,
		FailureSlash:   12,
		ChallengeSlash: 30,
		DutyWindowSecs: 120,
	}
	setIncentives(t, params)

	if err := bridge.BondRelayer("r1", 200); err != nil {
		t.Fatalf("bond r1: %v", err)
	}
	if err := bridge.BondRelayer("r2", 200); err != nil {
		t.Fatalf("bond r2: %v", err)
	}

	bundle := sampleBundle("alice", 50)
	receipt, err := bridge.Deposit("native", "r1", "alice", 50, sampleHeader(t, 2), sampleProof(), bundle)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if receipt.Nonce != 0 {
		t.Fatalf("expected first nonce 0, got %d", receipt.Nonce)
	}

	r1 := mustStatus(t, bridge, "r1")
	if r1.RewardsEarned != params.DutyReward || r1.DutiesCompleted != 1 || r1.PendingDuties != 0 {
		t.Fatalf("unexpected r1 ledger after deposit: %+v", r1)
	}
	r2 := mustStatus(t, bridge, "r2")
	if r2.PendingDuties != 1 || r2.DutiesAssigned != 1 {
		t.Fatalf("unexpected r2 ledger after deposit: %+v", r2)
	}

	commitment := bundle.AggregateCommitment("alice", 50)
	approveRelease(t, "native", commitment)
	tick()
	got, err := bridge.RequestWithdrawal("native", "r1", "alice", 50, bundle)
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	if got != commitment {
		t.Fatalf("commitment mismatch")
	}
	tick()
	if err := bridge.FinalizeWithdrawal("native", commitment); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	r1 = mustStatus(t, bridge, "r1")
	if r1.RewardsEarned != params.DutyReward*2 || r1.DutiesCompleted != 2 {
		t.Fatalf("unexpected r1 ledger after finalize: %+v", r1)
	}
	r2 = mustStatus(t, bridge, "r2")
	if r2.RewardsEarned != params.DutyReward || r2.DutiesCompleted != 1 || r2.DutiesAssigned != 1 {
		t.Fatalf("unexpected r2 ledger after finalize: %+v", r2)
	}

	asset := "native"
	duties := bridge.DutyLog(nil, &asset, 16)
	completed := map[string]bool{}
	for _, record := range duties {
		if record.Status.State == DutyCompleted {
			completed[record.Relayer] = true
		}
	}
	if !completed["r1"] || !completed["r2"] {
		t.Fatalf("expected completed duties for both relayers: %+v", duties)
	}

	// Challenge a second withdrawal and expect bundle-wide slashing.
	bundle2 := sampleBundle("alice", 25)
	tick()
	if _, err := bridge.Deposit("native", "r1", "alice", 25, sampleHeader(t, 3), sampleProof(), bundle2); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	commitment2 := bundle2.AggregateCommitment("alice", 25)
	approveRelease(t, "native", commitment2)
	if _, err := bridge.RequestWithdrawal("native", "r1", "alice", 25, bundle2); err != nil {
		t.Fatalf("second withdrawal request: %v", err)
	}
	bondBeforeR1 := mustStatus(t, bridge, "r1").Bond
	bondBeforeR2 := mustStatus(t, bridge, "r2").Bond
	if err := bridge.ChallengeWithdrawal("native", commitment2, "auditor"); err != nil {
		t.Fatalf("challenge: %v", err)
	}

	r1 = mustStatus(t, bridge, "r1")
	r2 = mustStatus(t, bridge, "r2")
	if r1.PenaltiesApplied < params.ChallengeSlash || r2.PenaltiesApplied < params.ChallengeSlash {
		t.Fatalf("expected challenge slash applied: r1=%+v r2=%+v", r1, r2)
	}
	if r1.Bond >= bondBeforeR1 || r2.Bond >= bondBeforeR2 {
		t.Fatalf("expected bonds strictly decreased")
	}

	failed := 0
	for _, record := range bridge.DutyLog(nil, &asset, 32) {
		if record.Status.State == DutyFailed {
			failed++
		}
	}
	if failed == 0 {
		t.Fatalf("expected failed duty records after challenge")
	}

	disputes, _ := bridge.DisputeAudit(&asset, nil, 256)
	var challenged *DisputeRecord
	for i := range disputes {
		if disputes[i].Commitment == commitment2 {
			challenged = &disputes[i]
		}
	}
	if challenged == nil || !challenged.Challenged {
		t.Fatalf("expected challenged dispute entry")
	}
	if challenged.Challenger == nil || *challenged.Challenger != "auditor" {
		t.Fatalf("expected challenger auditor, got %+v", challenged.Challenger)
	}
	if len(challenged.RelayerOutcomes) == 0 {
		t.Fatalf("expected non-empty relayer outcomes")
	}

	// Re-challenging a challenged commitment is a no-op success.
	if err := bridge.ChallengeWithdrawal("native", commitment2, "other"); err != nil {
		t.Fatalf("re-challenge should be idempotent: %v", err)
	}
	if got := mustStatus(t, bridge, "r1").PenaltiesApplied; got != r1.PenaltiesApplied {
		t.Fatalf("re-challenge mutated penalties: %d", got)
	}

	// Updated reward parameters apply to new duties only.
	updated := params
	updated.DutyReward = 40
	SetGlobalIncentives(updated)
	beforeThird := mustStatus(t, bridge, "r1").RewardsEarned
	tick()
	bundle3 := sampleBundle("bob", 10)
	if _, err := bridge.Deposit("native", "r1", "bob", 10, sampleHeader(t, 4), sampleProof(), bundle3); err != nil {
		t.Fatalf("third deposit: %v", err)
	}
	if got := mustStatus(t, bridge, "r1").RewardsEarned; got < beforeThird+updated.DutyReward {
		t.Fatalf("expected new duty reward %d applied, earned %d -> %d", updated.DutyReward, beforeThird, got)
	}
}

// ------------------------------------------------------------
// Deposit preconditions
// ------------------------------------------------------------

func TestBridgeDepositPreconditions(t *testing.T) {
	bridge, _ := newTestBridge(t, 0)
	setIncentives(t, BridgeIncentiveParameters{MinBond: 10, DutyReward: 5, DutyWindowSecs: 60})
	if err := bridge.BondRelayer("r1", 50); err != nil {
		t.Fatalf("bond: %v", err)
	}

	bundle := sampleBundle("alice", 5)
	if _, err := bridge.Deposit("ghost", "r1", "alice", 5, sampleHeader(t, 2), sampleProof(), bundle); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	short := NewRelayerBundle(RelayerProof{RelayerID: "r1", User: "alice", Amount: 5})
	if _, err := bridge.Deposit("native", "r1", "alice", 5, sampleHeader(t, 2), sampleProof(), short); !errors.Is(err, ErrRelayerQuorumNotMet) {
		t.Fatalf("expected quorum error, got %v", err)
	}
	if _, err := bridge.Deposit("native", "r9", "alice", 5, sampleHeader(t, 2), sampleProof(), bundle); !errors.Is(err, ErrNotBonded) {
		t.Fatalf("expected ErrNotBonded, got %v", err)
	}
	shallow := sampleHeader(t, 0)
	if _, err := bridge.Deposit("native", "r1", "alice", 5, shallow, sampleProof(), bundle); !errors.Is(err, ErrHeaderConfirmDepth) {
		t.Fatalf("expected confirm depth error, got %v", err)
	}
	tampered := sampleHeader(t, 2)
	tampered.Signature[0] ^= 0xFF
	if _, err := bridge.Deposit("native", "r1", "alice", 5, tampered, sampleProof(), bundle); !errors.Is(err, ErrProofInvalid) {
		t.Fatalf("expected proof invalid, got %v", err)
	}
	if err := bridge.BondRelayer("r1", 5); !errors.Is(err, ErrInsufficientBond) {
		t.Fatalf("expected insufficient bond, got %v", err)
	}
}

func TestBridgeWithdrawalRequiresGovernanceApproval(t *testing.T) {
	bridge, _ := newTestBridge(t, 0)
	setIncentives(t, BridgeIncentiveParameters{MinBond: 10, DutyReward: 5, DutyWindowSecs: 60})
	bridge.BondRelayer("r1", 200)
	bridge.BondRelayer("r2", 200)
	bundle := sampleBundle("carol", 9)
	if _, err := bridge.Deposit("native", "r1", "carol", 9, sampleHeader(t, 2), sampleProof(), bundle); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := bridge.RequestWithdrawal("native", "r1", "carol", 9, bundle); !errors.Is(err, ErrUnapprovedRelease) {
		t.Fatalf("expected ErrUnapprovedRelease, got %v", err)
	}
}

func TestBridgeInvalidChannelConfig(t *testing.T) {
	bridge, _ := newTestBridge(t, 0)
	bad := ChannelConfig{Asset: "x", RequiresSettlementProof: true}
	if err := bridge.SetChannelConfig("x", bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

// ------------------------------------------------------------
// Reward claims gated by governance (S4)
// ------------------------------------------------------------

func TestRewardClaimRequiresGovernanceApproval(t *testing.T) {
	bridge, _ := newTestBridge(t, 0)
	params := BridgeIncentiveParameters{
		MinBond:        25,
		DutyReward:     15,
		FailureSlash:   5,
		ChallengeSlash: 10,
		DutyWindowSecs: 90,
	}
	setIncentives(t, params)
	bridge.BondRelayer("r1", 200)
	bridge.BondRelayer("r2", 200)

	bundle := sampleBundle("dave", 70)
	if _, err := bridge.Deposit("native", "r1", "dave", 70, sampleHeader(t, 5), sampleProof(), bundle); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := mustStatus(t, bridge, "r1").RewardsPending; got != params.DutyReward {
		t.Fatalf("expected pending %d, got %d", params.DutyReward, got)
	}

	if _, err := bridge.ClaimRewards("r1", params.DutyReward, "bad-key"); !errors.Is(err, ErrRewardClaimRejected) {
		t.Fatalf("expected rejection for unknown key, got %v", err)
	}

	recordApproval(t, NewRewardClaimApproval("approval-r1", "r1", params.DutyReward*2))

	claimOne, err := bridge.ClaimRewards("r1", params.DutyReward, "approval-r1")
	if err != nil {
		t.Fatalf("claim approved rewards: %v", err)
	}
	if claimOne.Amount != params.DutyReward || claimOne.PendingAfter != 0 {
		t.Fatalf("unexpected first claim: %+v", claimOne)
	}
	after := mustStatus(t, bridge, "r1")
	if after.RewardsPending != 0 || after.RewardsClaimed != params.DutyReward {
		t.Fatalf("unexpected ledger after first claim: %+v", after)
	}

	bundle2 := sampleBundle("dave", 30)
	if _, err := bridge.Deposit("native", "r1", "dave", 30, sampleHeader(t, 6), sampleProof(), bundle2); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	claimTwo, err := bridge.ClaimRewards("r1", params.DutyReward, "approval-r1")
	if err != nil {
		t.Fatalf("consume remaining approval: %v", err)
	}
	if claimTwo.ID <= claimOne.ID {
		t.Fatalf("claim ids must be monotone: %d then %d", claimOne.ID, claimTwo.ID)
	}

	relayer := "r1"
	claims, next := bridge.RewardClaims(&relayer, nil, 256)
	if len(claims) != 2 || next != nil {
		t.Fatalf("expected two claims and no cursor, got %d %v", len(claims), next)
	}
	if claims[0].ApprovalKey != "approval-r1" || claims[1].ApprovalKey != "approval-r1" {
		t.Fatalf("unexpected approval keys: %+v", claims)
	}

	pageOne, cursor := bridge.RewardClaims(&relayer, nil, 1)
	if len(pageOne) != 1 || cursor == nil || *cursor != 1 {
		t.Fatalf("unexpected first page: %d records cursor %v", len(pageOne), cursor)
	}
	pageTwo, cursorTwo := bridge.RewardClaims(&relayer, cursor, 1)
	if len(pageTwo) != 1 || cursorTwo != nil {
		t.Fatalf("unexpected second page: %d records cursor %v", len(pageTwo), cursorTwo)
	}
	if pageOne[0].ID == pageTwo[0].ID {
		t.Fatalf("pages must not overlap")
	}

	// The approval is deleted once its allowance is exhausted.
	gov, err := OpenGovStore(GovDBPath())
	if err != nil {
		t.Fatalf("open gov store: %v", err)
	}
	appr, err := gov.RewardClaim("approval-r1")
	gov.Close()
	if err != nil {
		t.Fatalf("read approval: %v", err)
	}
	if appr != nil {
		t.Fatalf("expected approval deleted, got %+v", appr)
	}

	bundle3 := sampleBundle("dave", 20)
	if _, err := bridge.Deposit("native", "r1", "dave", 20, sampleHeader(t, 7), sampleProof(), bundle3); err != nil {
		t.Fatalf("third deposit: %v", err)
	}
	if _, err := bridge.ClaimRewards("r1", params.DutyReward, "approval-r1"); !errors.Is(err, ErrRewardClaimRejected) {
		t.Fatalf("expected rejection after approval consumed, got %v", err)
	}
	if _, err := bridge.ClaimRewards("r1", params.DutyReward, "missing-pending"); !errors.Is(err, ErrRewardClaimRejected) {
		t.Fatalf("expected rejection for missing approval, got %v", err)
	}
}

// ------------------------------------------------------------
// Settlement proof flow (S3)
// ------------------------------------------------------------

func TestSettlementProofFlowRecordsAndAudits(t *testing.T) {
	bridge, tick := newTestBridge(t, 0)
	chain := "solana"
	cfg := ChannelConfig{
		Asset:                   "native",
		ConfirmDepth:            1,
		RelayerQuorum:           2,
		HeadersDir:              filepath.Join(t.TempDir(), "headers_native"),
		RequiresSettlementProof: true,
		SettlementChain:         &chain,
	}
	if err := bridge.SetChannelConfig("native", cfg); err != nil {
		t.Fatalf("configure settlement channel: %v", err)
	}
	setIncentives(t, BridgeIncentiveParameters{MinBond: 10, DutyReward: 8, FailureSlash: 3, ChallengeSlash: 12, DutyWindowSecs: 60})
	bridge.BondRelayer("r1", 200)
	bridge.BondRelayer("r2", 200)

	bundle := sampleBundle("erin", 40)
	if _, err := bridge.Deposit("native", "r1", "erin", 40, sampleHeader(t, 7), sampleProof(), bundle); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	commitment := bundle.AggregateCommitment("erin", 40)
	approveRelease(t, "native", commitment)
	if _, err := bridge.RequestWithdrawal("native", "r1", "erin", 40, bundle); err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}

	if err := bridge.FinalizeWithdrawal("native", commitment); !errors.Is(err, ErrSettlementProofRequired) {
		t.Fatalf("expected ErrSettlementProofRequired, got %v", err)
	}

	wrong := ExternalSettlementProof{Commitment: commitment, SettlementChain: "ethereum", ProofHash: [32]byte{1: 1}, SettlementHeight: 55}
	if _, err := bridge.SubmitSettlementProof("native", "r1", wrong); !errors.Is(err, ErrSettlementProofChainMismatch) {
		t.Fatalf("expected chain mismatch, got %v", err)
	}

	correct := ExternalSettlementProof{Commitment: commitment, SettlementChain: "solana", SettlementHeight: 60}
	for i := range correct.ProofHash {
		correct.ProofHash[i] = 2
	}
	tick()
	record, err := bridge.SubmitSettlementProof("native", "r1", correct)
	if err != nil {
		t.Fatalf("submit settlement proof: %v", err)
	}
	if record.SettlementChain == nil || *record.SettlementChain != "solana" {
		t.Fatalf("unexpected settlement chain: %+v", record.SettlementChain)
	}
	if _, err := bridge.SubmitSettlementProof("native", "r1", correct); !errors.Is(err, ErrSettlementProofDuplicate) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	asset := "native"
	pending := bridge.PendingWithdrawals(&asset)
	if len(pending) != 1 {
		t.Fatalf("expected one pending withdrawal, got %d", len(pending))
	}
	entry := pending[0]
	if !entry.RequiresSettlementProof || entry.SettlementChain == nil || *entry.SettlementChain != "solana" {
		t.Fatalf("unexpected pending entry: %+v", entry)
	}
	if entry.SettlementSubmittedAt == nil {
		t.Fatalf("expected settlement_submitted_at set")
	}

	settlements, _ := bridge.SettlementRecords(&asset, nil, 256)
	if len(settlements) != 1 || settlements[0].ProofHash != correct.ProofHash {
		t.Fatalf("unexpected settlements: %+v", settlements)
	}

	// Second commitment for pagination.
	bundle2 := sampleBundle("frank", 30)
	tick()
	if _, err := bridge.Deposit("native", "r1", "frank", 30, sampleHeader(t, 8), sampleProof(), bundle2); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	commitment2 := bundle2.AggregateCommitment("frank", 30)
	approveRelease(t, "native", commitment2)
	tick()
	if _, err := bridge.RequestWithdrawal("native", "r1", "frank", 30, bundle2); err != nil {
		t.Fatalf("second withdrawal request: %v", err)
	}
	second := ExternalSettlementProof{Commitment: commitment2, SettlementChain: "solana", ProofHash: [32]byte{0: 3}, SettlementHeight: 66}
	tick()
	if _, err := bridge.SubmitSettlementProof("native", "r1", second); err != nil {
		t.Fatalf("second settlement proof: %v", err)
	}

	firstPage, cursor := bridge.SettlementRecords(&asset, nil, 1)
	if len(firstPage) != 1 || cursor == nil {
		t.Fatalf("unexpected first settlement page")
	}
	secondPage, cursorTwo := bridge.SettlementRecords(&asset, cursor, 1)
	if len(secondPage) != 1 || cursorTwo != nil {
		t.Fatalf("unexpected second settlement page")
	}
	if firstPage[0].Commitment == secondPage[0].Commitment {
		t.Fatalf("settlement pages must not overlap")
	}
	if secondPage[0].Commitment != commitment2 {
		t.Fatalf("expected second page to carry the second commitment")
	}

	disputes, _ := bridge.DisputeAudit(&asset, nil, 256)
	if len(disputes) != 2 {
		t.Fatalf("expected two dispute entries, got %d", len(disputes))
	}
	pageOne, disputeCursor := bridge.DisputeAudit(&asset, nil, 1)
	if len(pageOne) != 1 || disputeCursor == nil || *disputeCursor != 1 {
		t.Fatalf("unexpected dispute page one")
	}
	pageTwo, disputeCursorTwo := bridge.DisputeAudit(&asset, disputeCursor, 1)
	if len(pageTwo) != 1 || disputeCursorTwo != nil {
		t.Fatalf("unexpected dispute page two")
	}
	if pageOne[0].Commitment == pageTwo[0].Commitment {
		t.Fatalf("dispute pages must not overlap")
	}
	var dispute *DisputeRecord
	for i := range disputes {
		if disputes[i].Commitment == commitment {
			dispute = &disputes[i]
		}
	}
	if dispute == nil || !dispute.SettlementRequired || dispute.SettlementChain == nil || *dispute.SettlementChain != "solana" {
		t.Fatalf("unexpected dispute entry: %+v", dispute)
	}
	if dispute.SettlementSubmittedAt == nil {
		t.Fatalf("expected dispute settlement_submitted_at")
	}

	if err := bridge.FinalizeWithdrawal("native", commitment); err != nil {
		t.Fatalf("finalize with proof: %v", err)
	}
	if err := bridge.FinalizeWithdrawal("native", commitment2); err != nil {
		t.Fatalf("finalize second: %v", err)
	}
	if remaining := bridge.PendingWithdrawals(&asset); len(remaining) != 0 {
		t.Fatalf("expected no pending withdrawals, got %d", len(remaining))
	}

	after, _ := bridge.DisputeAudit(&asset, nil, 256)
	for _, record := range after {
		completed := false
		for _, outcome := range record.RelayerOutcomes {
			if outcome.Status == DutyCompleted {
				completed = true
			}
		}
		if !completed {
			t.Fatalf("expected completed outcomes after finalize: %+v", record)
		}
	}
}

// ------------------------------------------------------------
// Challenge window and duty expiry
// ------------------------------------------------------------

func TestChallengeWindowElapsed(t *testing.T) {
	bridge, _ := newTestBridge(t, 5)
	setIncentives(t, BridgeIncentiveParameters{MinBond: 10, DutyReward: 5, ChallengeSlash: 7, DutyWindowSecs: 60})
	bridge.BondRelayer("r1", 100)
	bridge.BondRelayer("r2", 100)

	bundle := sampleBundle("gail", 12)
	if _, err := bridge.Deposit("native", "r1", "gail", 12, sampleHeader(t, 2), sampleProof(), bundle); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	commitment := bundle.AggregateCommitment("gail", 12)
	approveRelease(t, "native", commitment)
	if _, err := bridge.RequestWithdrawal("native", "r1", "gail", 12, bundle); err != nil {
		t.Fatalf("request: %v", err)
	}

	clock := int64(2_000)
	bridge.SetClock(func() int64 { return clock })
	if err := bridge.ChallengeWithdrawal("native", commitment, "aud"); !errors.Is(err, ErrChallengeWindowElapsed) {
		t.Fatalf("expected window elapsed, got %v", err)
	}
	var missing [32]byte
	if err := bridge.ChallengeWithdrawal("native", missing, "aud"); !errors.Is(err, ErrUnknownCommitment) {
		t.Fatalf("expected unknown commitment, got %v", err)
	}
}

func TestDutyWindowExpiryFailsPendingDuties(t *testing.T) {
	bridge, _ := newTestBridge(t, 0)
	params := BridgeIncentiveParameters{MinBond: 10, DutyReward: 5, FailureSlash: 4, DutyWindowSecs: 30}
	setIncentives(t, params)
	bridge.BondRelayer("r1", 100)
	bridge.BondRelayer("r2", 100)

	bundle := sampleBundle("hank", 8)
	if _, err := bridge.Deposit("native", "r1", "hank", 8, sampleHeader(t, 2), sampleProof(), bundle); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := mustStatus(t, bridge, "r2")

	clock := int64(1_000 + 31)
	bridge.SetClock(func() int64 { return clock })
	if err := bridge.ExpireDutyWindows(); err != nil {
		t.Fatalf("expire duties: %v", err)
	}

	after := mustStatus(t, bridge, "r2")
	if after.DutiesFailed != before.DutiesFailed+1 {
		t.Fatalf("expected one failed duty, got %+v", after)
	}
	if after.PenaltiesApplied != before.PenaltiesApplied+params.FailureSlash {
		t.Fatalf("expected failure slash %d, got %+v", params.FailureSlash, after)
	}
	if after.Bond != before.Bond-params.FailureSlash {
		t.Fatalf("expected bond debit, got %+v", after)
	}
	// The submitting relayer's duty was already complete; no slash.
	r1 := mustStatus(t, bridge, "r1")
	if r1.PenaltiesApplied != 0 {
		t.Fatalf("unexpected penalty for submitter: %+v", r1)
	}
}

// ------------------------------------------------------------
// Reward conservation (property 1)
// ------------------------------------------------------------

func TestRewardConservation(t *testing.T) {
	bridge, tick := newTestBridge(t, 0)
	params := BridgeIncentiveParameters{MinBond: 10, DutyReward: 9, ChallengeSlash: 3, DutyWindowSecs: 600}
	setIncentives(t, params)
	bridge.BondRelayer("r1", 100)
	bridge.BondRelayer("r2", 100)

	for i := uint64(0); i < 3; i++ {
		user := "ivy"
		amount := 10 + i
		bundle := sampleBundle(user, amount)
		tick()
		if _, err := bridge.Deposit("native", "r1", user, amount, sampleHeader(t, 2+i), sampleProof(), bundle); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		commitment := bundle.AggregateCommitment(user, amount)
		approveRelease(t, "native", commitment)
		tick()
		if _, err := bridge.RequestWithdrawal("native", "r1", user, amount, bundle); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		tick()
		if err := bridge.FinalizeWithdrawal("native", commitment); err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
	}
	recordApproval(t, NewRewardClaimApproval("conserve", "r1", 1_000))
	if _, err := bridge.ClaimRewards("r1", params.DutyReward*2, "conserve"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	for _, relayer := range []string{"r1", "r2"} {
		info := mustStatus(t, bridge, relayer)
		if info.RewardsPending+info.RewardsClaimed != info.RewardsEarned {
			t.Fatalf("reward conservation violated for %s: %+v", relayer, info)
		}
		if info.DutiesCompleted+info.DutiesFailed+info.PendingDuties != info.DutiesAssigned {
			t.Fatalf("duty conservation violated for %s: %+v", relayer, info)
		}
	}
}
