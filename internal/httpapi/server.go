package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fyreflow/pipeliner/internal/pairing"
	"github.com/fyreflow/pipeliner/internal/queue"
	"github.com/fyreflow/pipeliner/internal/scheduler"
	"github.com/fyreflow/pipeliner/internal/statestore"
)

// VersionInfo describes the running daemon. /api/health echoes its
// MinimumDesktopVersion and DownloadURL fields.
type VersionInfo struct {
	Version              string
	Commit                string
	BuildDate             string
	MinimumDesktopVersion string
	DownloadURL           string
}

// Server wires the persistence, launch, scheduling, and pairing
// collaborators into the HTTP surface named in spec 6.
type Server struct {
	Store     statestore.StateStore
	Launcher  *queue.Launcher
	Queue     *queue.Queue
	Scheduler *scheduler.Scheduler
	Pairing   *pairing.Manager
	Logger    *slog.Logger
	Info      VersionInfo

	// Metrics, if set, is served at GET /metrics (Prometheus text format).
	// Nil omits the route entirely.
	Metrics http.Handler

	dashboardToken string
	corsOrigins    []string
	logger         *slog.Logger
	mux            *http.ServeMux
	claimLimiter   *claimRateLimiter
}

// NewServer builds a Server and registers every route. dashboardToken may
// be empty, disabling bearer auth entirely. corsOrigins defaults to the
// dashboard's localhost dev origins when nil.
func NewServer(s *Server, dashboardToken string, corsOrigins []string) *Server {
	s.dashboardToken = dashboardToken
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173", "null"}
	}
	s.corsOrigins = corsOrigins
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.logger = s.Logger
	s.claimLimiter = newClaimRateLimiter(1, 5)

	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	if s.Metrics != nil {
		s.mux.Handle("GET /metrics", s.Metrics)
	}

	s.mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	s.mux.HandleFunc("POST /api/pipelines", s.handleCreatePipeline)
	s.mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	s.mux.HandleFunc("PUT /api/pipelines/{id}", s.handleUpdatePipeline)
	s.mux.HandleFunc("DELETE /api/pipelines/{id}", s.handleDeletePipeline)

	s.mux.HandleFunc("POST /api/pipelines/{id}/runs", s.handleTriggerRun)
	s.mux.HandleFunc("POST /api/pipelines/{id}/smart-run-plan", s.handleSmartRunPlan)
	s.mux.HandleFunc("POST /api/pipelines/{id}/startup-check", s.handleStartupCheck)
	s.mux.HandleFunc("POST /api/pipelines/{id}/secure-inputs", s.handleUpsertSecureInputs)
	s.mux.HandleFunc("DELETE /api/pipelines/{id}/secure-inputs", s.handleDeleteSecureInputs)

	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /api/runs/{id}/stop", s.handleStopRun)
	s.mux.HandleFunc("POST /api/runs/{id}/pause", s.handlePauseRun)
	s.mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)
	s.mux.HandleFunc("POST /api/runs/{id}/approvals/{approvalId}", s.handleResolveApproval)

	s.mux.HandleFunc("POST /api/pairing/sessions", s.handleCreatePairing)
	s.mux.HandleFunc("POST /api/pairing/sessions/{id}/approve", s.handleApprovePairing)
	s.mux.HandleFunc("POST /api/pairing/sessions/{id}/claim", s.rateLimitClaims(s.handleClaimPairing))
}

// Handler builds the full middleware chain, outermost first: request
// logging wraps security headers wraps CORS wraps bearer auth wraps the
// route mux, so the security headers are also set on CORS preflight
// responses. This mirrors the teacher's innermost-to-outermost layering in
// Router.ServeHTTP.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.bearerAuth(h)
	h = s.cors(h)
	h = securityHeaders(h)
	h = s.requestLog(h)
	return h
}

func pathID(r *http.Request, name string) string {
	return r.PathValue(name)
}

func (s *Server) clockNow() time.Time {
	return time.Now().UTC()
}

func queryLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":  true,
		"now": time.Now().UTC().Format(time.RFC3339),
	}

	clientVersion := r.URL.Query().Get("clientVersion")
	if s.Info.MinimumDesktopVersion != "" {
		client := map[string]any{
			"minimumDesktopVersion": s.Info.MinimumDesktopVersion,
			"clientVersion":         clientVersion,
		}
		updateRequired := clientVersion != "" && versionLess(clientVersion, s.Info.MinimumDesktopVersion)
		client["updateRequired"] = updateRequired
		if updateRequired {
			client["message"] = "This dashboard build is older than the minimum version this daemon supports."
			if s.Info.DownloadURL != "" {
				client["downloadUrl"] = s.Info.DownloadURL
			}
		}
		resp["client"] = client
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.Store.GetState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// versionLess does a dotted numeric comparison ("1.4.0" < "1.10.0"),
// falling back to a plain string comparison for anything that does not
// parse cleanly.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}
