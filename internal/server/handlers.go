package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/structured"
	"github.com/ashita-ai/michi/internal/tools"
)

// RunStore is the read side of the run store the API serves from. Writes go
// through the runtime.
type RunStore interface {
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)
	ListRuns(ctx context.Context, userID string, limit, offset int) ([]model.Run, error)
	GetRunDetail(ctx context.Context, userID string, runID uuid.UUID) (model.RunDetail, error)
	ListPendingConfirmations(ctx context.Context, userID string) ([]model.PendingConfirmation, error)
	Ping(ctx context.Context) error
}

// HealthChecker reports the health of an optional dependency.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runtime             *agent.Runtime
	store               RunStore
	index               HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	storeKind           string
	maxRequestBodyBytes int64

	// Background runs outlive their request; jobs lets Shutdown wait for them.
	baseCtx context.Context
	jobs    sync.WaitGroup
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Index.
type HandlersDeps struct {
	Runtime             *agent.Runtime
	Store               RunStore
	Index               HealthChecker
	Logger              *slog.Logger
	Version             string
	StoreKind           string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		runtime:             d.Runtime,
		store:               d.Store,
		index:               d.Index,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		storeKind:           d.StoreKind,
		maxRequestBodyBytes: maxBody,
		baseCtx:             context.Background(),
	}
}

// Wait blocks until background runs finish or ctx is done.
func (h *Handlers) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: waiting for background runs: %w", ctx.Err())
	}
}

// background runs fn detached from the request. Errors are logged; the
// run's state in the store is the source of truth for callers.
func (h *Handlers) background(op string, runID uuid.UUID, fn func(ctx context.Context) error) {
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		if err := fn(h.baseCtx); err != nil && !errors.Is(err, agent.ErrConfirmationPending) {
			h.logger.Error("background "+op+" failed", "run_id", runID, "error", err)
		}
	}()
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   h.storeKind,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health: store ping failed", "error", err)
		resp.Status = "unhealthy"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	} else if h.storeKind == "postgres" {
		resp.Postgres = "connected"
	}

	if h.index != nil {
		if err := h.index.Healthy(ctx); err != nil {
			resp.Qdrant = "unreachable"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		} else {
			resp.Qdrant = "connected"
		}
	}

	writeJSON(w, r, status, resp)
}

// HandleListTools handles GET /v1/tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, toolInfos(h.runtime.Registry().List()))
}

func toolInfos(ts []tools.Tool) []model.ToolInfo {
	out := make([]model.ToolInfo, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Info())
	}
	return out
}

// writeRuntimeError maps runtime and store errors to API errors.
func (h *Handlers) writeRuntimeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, agent.ErrRunState):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is not in a valid state for this operation")
	case errors.Is(err, agent.ErrNotPending):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "invocation is not awaiting confirmation")
	case errors.Is(err, structured.ErrUnparseable):
		h.logger.Warn(op+": model output unparseable", "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "model output could not be parsed; the run can be continued")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeUpstream, "model call timed out; the run can be continued")
	default:
		h.writeInternalError(w, r, op, err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.PathValue(key)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 200

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
