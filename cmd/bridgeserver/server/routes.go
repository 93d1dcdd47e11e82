package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	core "theblock-network/core"
)

// NewRouter configures the HTTP routes for the bridge RPC server.
func NewRouter(bridge *core.Bridge, lg *logrus.Logger) chi.Router {
	h := &handlers{bridge: bridge, log: lg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(lg))
	r.Use(JSONHeaders)

	r.Route("/api/bridge", func(r chi.Router) {
		r.Get("/relayers/{relayer}", h.RelayerStatus)
		r.Get("/duties", h.DutyLog)
		r.Get("/withdrawals", h.PendingWithdrawals)
		r.Get("/claims", h.RewardClaims)
		r.Get("/settlements", h.SettlementRecords)
		r.Get("/disputes", h.DisputeAudit)
		r.Post("/relayers/{relayer}/bond", h.BondRelayer)
		r.Post("/withdrawals/{commitment}/challenge", h.ChallengeWithdrawal)
		r.Post("/withdrawals/{commitment}/finalize", h.FinalizeWithdrawal)
		r.Post("/claims", h.ClaimRewards)
	})
	return r
}
