package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nexusops/ticketsync/internal/changelog"
	"github.com/nexusops/ticketsync/internal/fanout"
	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/queue"
	"github.com/nexusops/ticketsync/internal/scheduler"
	"github.com/nexusops/ticketsync/internal/store"
	"github.com/nexusops/ticketsync/internal/stream"
	"github.com/nexusops/ticketsync/internal/sync"
	"github.com/nexusops/ticketsync/internal/upstream"
)

// Deps collects every component the HTTP surface dispatches to (§6). All
// fields are optional collaborators except Queue, which every route family
// ultimately touches (even scheduling and shortcuts enqueue through it), and
// Scheduler, which the /tasks/scheduled handlers call without a nil check.
type Deps struct {
	Queue     *queue.Queue
	Scheduler *scheduler.Scheduler
	Sync      *sync.Engine
	Store     *store.Store
	Upstream  upstream.Client
	Changelog *changelog.Log
	Fanout    *fanout.Hub
	Stream    *stream.Processor[map[string]interface{}]
	Log       *logger.Logger
}

// NewRouter builds the full HTTP API surface (§6).
func NewRouter(d Deps) *mux.Router {
	if d.Log == nil {
		d.Log = logger.NewDefault("httpapi")
	}
	h := &handlers{d: d}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.liveness).Methods(http.MethodGet)

	tasks := r.PathPrefix("/tasks").Subrouter()
	tasks.HandleFunc("", h.listTasks).Methods(http.MethodGet)
	tasks.HandleFunc("", h.createTask).Methods(http.MethodPost)
	tasks.HandleFunc("/stats", h.taskStats).Methods(http.MethodGet)
	tasks.HandleFunc("/history", h.taskHistory).Methods(http.MethodGet)
	tasks.HandleFunc("/health", h.taskHealth).Methods(http.MethodGet)
	tasks.HandleFunc("/dead-letter", h.deadLetters).Methods(http.MethodGet)
	tasks.HandleFunc("/conflicts", h.listConflicts).Methods(http.MethodGet)
	tasks.HandleFunc("/conflicts/{key}/resolve", h.resolveConflict).Methods(http.MethodPost)
	tasks.HandleFunc("/export/parquet", h.exportParquet).Methods(http.MethodPost)
	tasks.HandleFunc("/pipeline/execute", h.executePipeline).Methods(http.MethodPost)
	tasks.HandleFunc("/sync/data", h.syncData).Methods(http.MethodPost)
	tasks.HandleFunc("/cache/refresh", h.cacheRefresh).Methods(http.MethodPost)
	tasks.HandleFunc("/scheduled", h.listScheduled).Methods(http.MethodGet)
	tasks.HandleFunc("/scheduled", h.createScheduled).Methods(http.MethodPost)
	tasks.HandleFunc("/scheduled/{id}", h.deleteScheduled).Methods(http.MethodDelete)
	tasks.HandleFunc("/scheduled/{id}/trigger", h.triggerScheduled).Methods(http.MethodPost)
	tasks.HandleFunc("/scheduled/{id}/enable", h.enableScheduled).Methods(http.MethodPost)
	tasks.HandleFunc("/scheduled/{id}/history", h.scheduledHistory).Methods(http.MethodGet)
	tasks.HandleFunc("/{id}", h.getTask).Methods(http.MethodGet)
	tasks.HandleFunc("/{id}/cancel", h.cancelTask).Methods(http.MethodPost)

	modal := r.PathPrefix("/modal").Subrouter()
	modal.HandleFunc("/ticket/{table}/{sys_id}", h.ticketHTML).Methods(http.MethodGet)
	modal.HandleFunc("/ticket/{table}/{sys_id}", h.ticketUpdate).Methods(http.MethodPut)
	modal.HandleFunc("/data/{table}/{sys_id}", h.ticketData).Methods(http.MethodGet)
	modal.HandleFunc("/refresh/{section}/{table}/{sys_id}", h.refreshSection).Methods(http.MethodGet)

	events := r.PathPrefix("/events").Subrouter()
	events.HandleFunc("/ticket-updates/{sys_id}", h.ticketUpdates).Methods(http.MethodGet)
	events.HandleFunc("/performance", h.performanceStream).Methods(http.MethodGet)

	return r
}

type handlers struct {
	d Deps
}

func (h *handlers) liveness(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}
