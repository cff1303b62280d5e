package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nooterra/nooterra/pkg/agent"
	"github.com/nooterra/nooterra/pkg/dispute"
	"github.com/nooterra/nooterra/pkg/evidence"
	"github.com/nooterra/nooterra/pkg/marketplace"
	"github.com/nooterra/nooterra/pkg/observability"
	"github.com/nooterra/nooterra/pkg/pipeline"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/tenants"
	"github.com/nooterra/nooterra/pkg/x402"
)

// Server wires the engine packages behind the HTTP surface.
type Server struct {
	Store    store.Store
	Agents   *agent.Engine
	Runs     *run.Engine
	Market   *marketplace.Engine
	Disputes *dispute.Engine
	Gates    *x402.Engine
	Pipe     *pipeline.Pipeline
	Evidence evidence.BlobStore      // optional; enables the raw evidence endpoints
	Obs      *observability.Provider // optional; instruments requests when set

	Keychain  tenants.Keychain
	OpsSecret string
	Limiter   *TenantRateLimiter
	Clock     func() time.Time
	Log       *slog.Logger
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

// Router builds the chi handler tree. /healthz is open; everything else
// requires a tenant credential, and manual-intervention endpoints
// additionally require the ops token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	if s.Obs != nil {
		r.Use(s.instrument)
	}
	r.Use(ProtocolGate)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(Auth(s.Keychain))
		if s.Limiter != nil {
			r.Use(s.Limiter.Middleware)
		}

		r.Post("/agents/register", s.handleRegisterAgent)
		r.Post("/agents/{agentID}/wallet/credit", s.handleWalletCredit)
		r.Post("/agents/{agentID}/runs", s.handleCreateRun)
		r.Post("/agents/{agentID}/runs/{runID}/events", s.handleAppendRunEvent)

		r.Get("/runs/{runID}/settlement", s.handleGetSettlement)
		r.Get("/runs/{runID}/verification", s.handleGetVerification)
		r.Get("/runs/{runID}/agreement", s.handleGetAgreement)
		r.Get("/runs/{runID}/settlement/policy-replay", s.handlePolicyReplay)

		r.Post("/runs/{runID}/dispute/open", s.handleDisputeOpen)
		r.Post("/runs/{runID}/dispute/evidence", s.handleDisputeEvidence)
		r.Post("/runs/{runID}/dispute/escalate", s.handleDisputeEscalate)

		r.Post("/marketplace/rfqs", s.handleCreateRFQ)
		r.Post("/marketplace/rfqs/{rfqID}/bids", s.handlePlaceBid)
		r.Post("/marketplace/rfqs/{rfqID}/bids/{bidID}/counter", s.handleCounterBid)
		r.Post("/marketplace/rfqs/{rfqID}/accept", s.handleAcceptBid)
		r.Post("/marketplace/rfqs/{rfqID}/cancel", s.handleCancelRFQ)

		r.Post("/x402/gate", s.handleGateCreate)
		r.Post("/x402/gate/authorize-payment", s.handleGateAuthorize)
		r.Post("/x402/gate/verify", s.handleGateVerify)

		r.Get("/sessions/{sessionID}/events/stream", s.handleEventStream)

		if s.Evidence != nil {
			r.Post("/evidence", s.handleEvidenceUpload)
			r.Get("/evidence/{digest}", s.handleEvidenceFetch)
		}

		// Ops plane: manual settlement resolution and dispute close.
		r.Group(func(r chi.Router) {
			r.Use(OpsAuth(s.OpsSecret))
			r.Post("/runs/{runID}/settlement/resolve", s.handleSettlementResolve)
			r.Post("/runs/{runID}/dispute/close", s.handleDisputeClose)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]any{"status": "ok"})
}
