package server

// Handlers translate core bridge errors into the stable string codes the
// RPC contract promises, so operator tooling can match on codes rather
// than message text.

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	core "theblock-network/core"
)

type handlers struct {
	bridge *core.Bridge
	log    *logrus.Logger
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorCodes = []struct {
	err  error
	code string
	http int
}{
	{core.ErrInvalidConfig, "invalid_config", http.StatusBadRequest},
	{core.ErrUnknownAsset, "unknown_asset", http.StatusNotFound},
	{core.ErrUnknownRelayer, "unknown_relayer", http.StatusNotFound},
	{core.ErrUnknownCommitment, "unknown_commitment", http.StatusNotFound},
	{core.ErrUnapprovedRelease, "unapproved_release", http.StatusForbidden},
	{core.ErrRelayerQuorumNotMet, "relayer_quorum_not_met", http.StatusBadRequest},
	{core.ErrInsufficientBond, "insufficient_bond", http.StatusBadRequest},
	{core.ErrNotBonded, "not_bonded", http.StatusBadRequest},
	{core.ErrProofInvalid, "proof_invalid", http.StatusBadRequest},
	{core.ErrHeaderConfirmDepth, "header_confirm_depth", http.StatusBadRequest},
	{core.ErrSettlementProofRequired, "settlement_proof_required", http.StatusConflict},
	{core.ErrSettlementProofChainMismatch, "settlement_chain_mismatch", http.StatusBadRequest},
	{core.ErrSettlementProofDuplicate, "settlement_proof_duplicate", http.StatusConflict},
	{core.ErrChallengePending, "challenge_pending", http.StatusConflict},
	{core.ErrChallengeWindowElapsed, "challenge_window_elapsed", http.StatusConflict},
	{core.ErrRewardClaimRejected, "reward_claim_rejected", http.StatusForbidden},
}

func writeError(w http.ResponseWriter, err error) {
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			w.WriteHeader(entry.http)
			_ = json.NewEncoder(w).Encode(errorBody{Code: entry.code, Message: err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(errorBody{Code: "internal", Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func parseCommitment(r *http.Request) ([32]byte, bool) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(chi.URLParam(r, "commitment"), "0x"))
	if err != nil || len(raw) != len(out) {
		return out, false
	}
	copy(out[:], raw)
	return out, true
}

func optionalQuery(r *http.Request, key string) *string {
	if value := r.URL.Query().Get(key); value != "" {
		return &value
	}
	return nil
}

func cursorQuery(r *http.Request) *uint64 {
	if value := r.URL.Query().Get("cursor"); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return &parsed
		}
	}
	return nil
}

func limitQuery(r *http.Request) int {
	if value := r.URL.Query().Get("limit"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 64
}

func (h *handlers) RelayerStatus(w http.ResponseWriter, r *http.Request) {
	relayer := chi.URLParam(r, "relayer")
	asset := optionalQuery(r, "asset")
	label, info, err := h.bridge.RelayerStatus(relayer, asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Asset string           `json:"asset,omitempty"`
		Info  core.RelayerInfo `json:"info"`
	}{label, info})
}

func (h *handlers) BondRelayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrInvalidConfig)
		return
	}
	if err := h.bridge.BondRelayer(chi.URLParam(r, "relayer"), req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) DutyLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.bridge.DutyLog(optionalQuery(r, "relayer"), optionalQuery(r, "asset"), limitQuery(r)))
}

func (h *handlers) PendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.bridge.PendingWithdrawals(optionalQuery(r, "asset")))
}

type page[T any] struct {
	Records []T     `json:"records"`
	Next    *uint64 `json:"next_cursor,omitempty"`
}

func (h *handlers) RewardClaims(w http.ResponseWriter, r *http.Request) {
	records, next := h.bridge.RewardClaims(optionalQuery(r, "relayer"), cursorQuery(r), limitQuery(r))
	writeJSON(w, page[core.RewardClaim]{Records: records, Next: next})
}

func (h *handlers) SettlementRecords(w http.ResponseWriter, r *http.Request) {
	records, next := h.bridge.SettlementRecords(optionalQuery(r, "asset"), cursorQuery(r), limitQuery(r))
	writeJSON(w, page[core.SettlementRecord]{Records: records, Next: next})
}

func (h *handlers) DisputeAudit(w http.ResponseWriter, r *http.Request) {
	records, next := h.bridge.DisputeAudit(optionalQuery(r, "asset"), cursorQuery(r), limitQuery(r))
	writeJSON(w, page[core.DisputeRecord]{Records: records, Next: next})
}

func (h *handlers) ChallengeWithdrawal(w http.ResponseWriter, r *http.Request) {
	commitment, ok := parseCommitment(r)
	if !ok {
		writeError(w, core.ErrUnknownCommitment)
		return
	}
	var req struct {
		Asset      string `json:"asset"`
		Challenger string `json:"challenger"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrInvalidConfig)
		return
	}
	if err := h.bridge.ChallengeWithdrawal(req.Asset, commitment, req.Challenger); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) FinalizeWithdrawal(w http.ResponseWriter, r *http.Request) {
	commitment, ok := parseCommitment(r)
	if !ok {
		writeError(w, core.ErrUnknownCommitment)
		return
	}
	var req struct {
		Asset string `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrInvalidConfig)
		return
	}
	if err := h.bridge.FinalizeWithdrawal(req.Asset, commitment); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) ClaimRewards(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Relayer     string `json:"relayer"`
		Amount      uint64 `json:"amount"`
		ApprovalKey string `json:"approval_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.ErrInvalidConfig)
		return
	}
	claim, err := h.bridge.ClaimRewards(req.Relayer, req.Amount, req.ApprovalKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, claim)
}
