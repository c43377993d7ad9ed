package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/medforge/internal/api/shared"
	"github.com/phrazzld/medforge/internal/domain"
	"github.com/phrazzld/medforge/internal/events"
	"github.com/phrazzld/medforge/internal/generation"
	"github.com/phrazzld/medforge/internal/ledger"
	"github.com/phrazzld/medforge/internal/router"
	"github.com/phrazzld/medforge/internal/store"
)

// LedgerFunc returns the ledger holding a subject's group records.
type LedgerFunc func(subject string) (*ledger.Ledger, error)

// RouterView is the read side of the provider router.
type RouterView interface {
	Snapshot() router.State
	Descriptors() []generation.ProviderDescriptor
}

// ProgressView is the read side of a progress tracker.
type ProgressView interface {
	Runs() []events.RunProgress
	Snapshot(runID string) (events.RunProgress, bool)
}

// StatusHandler serves ledger, router and progress state.
type StatusHandler struct {
	subjects LedgerFunc
	root     *ledger.Ledger
	router   RouterView
	progress ProgressView
	logger   *slog.Logger
}

// RouterResponse is the body of GET /api/router.
type RouterResponse struct {
	Primary   string                          `json:"primary"`
	State     router.State                    `json:"state"`
	Providers []generation.ProviderDescriptor `json:"providers"`
}

// NewStatusHandler creates a StatusHandler. root holds subject-level
// records such as the parse stage; subjects resolves per-subject group
// ledgers.
func NewStatusHandler(root *ledger.Ledger, subjects LedgerFunc, rv RouterView, pv ProgressView, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		subjects: subjects,
		root:     root,
		router:   rv,
		progress: pv,
		logger:   logger.With("component", "status_handler"),
	}
}

// GetSubjectStage handles GET /api/subjects/{subject}/stages/{stage}.
func (h *StatusHandler) GetSubjectStage(w http.ResponseWriter, r *http.Request) {
	key := domain.StageKey{Group: chi.URLParam(r, "subject"), Stage: chi.URLParam(r, "stage")}
	if h.root == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Not found")
		return
	}
	h.respondWithStatus(w, r, h.root, key)
}

// GetGroupStage handles
// GET /api/subjects/{subject}/groups/{group}/stages/{stage}.
func (h *StatusHandler) GetGroupStage(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if err := domain.ValidateGroupID(subject); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if h.subjects == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Not found")
		return
	}
	l, err := h.subjects(subject)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	key := domain.StageKey{Group: chi.URLParam(r, "group"), Stage: chi.URLParam(r, "stage")}
	h.respondWithStatus(w, r, l, key)
}

func (h *StatusHandler) respondWithStatus(w http.ResponseWriter, r *http.Request, l *ledger.Ledger, key domain.StageKey) {
	if err := key.Validate(); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	st, err := l.Get(r.Context(), key)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, st)
}

// GetRouter handles GET /api/router.
func (h *StatusHandler) GetRouter(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Not found")
		return
	}
	descs := h.router.Descriptors()
	resp := RouterResponse{State: h.router.Snapshot(), Providers: descs}
	if len(descs) > 0 {
		resp.Primary = descs[0].Name
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// ListProgress handles GET /api/progress.
func (h *StatusHandler) ListProgress(w http.ResponseWriter, r *http.Request) {
	runs := []events.RunProgress{}
	if h.progress != nil {
		runs = append(runs, h.progress.Runs()...)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, runs)
}

// GetProgress handles GET /api/progress/{runID}.
func (h *StatusHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if h.progress == nil {
		h.respondWithError(w, r, store.ErrNotFound)
		return
	}
	p, ok := h.progress.Snapshot(chi.URLParam(r, "runID"))
	if !ok {
		h.respondWithError(w, r, store.ErrNotFound)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, p)
}

func (h *StatusHandler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)
	if errors.Is(err, store.ErrNotFound) {
		shared.RespondWithError(w, r, status, GetSafeErrorMessage(err))
		return
	}
	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
}
