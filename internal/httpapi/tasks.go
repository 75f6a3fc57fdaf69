package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nexusops/ticketsync/internal/queue"
)

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

type createTaskRequest struct {
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	Priority string                 `json:"priority"`
	RetryMax int                    `json:"retry_max"`
	Tags     []string               `json:"tags,omitempty"`
}

// listTasks serves GET /tasks?status&limit&offset.
func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = queue.StatusPending
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	jobs, total, err := h.d.Queue.List(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]interface{}{"jobs": jobs, "total": total})
}

// createTask serves POST /tasks.
func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}
	id, err := h.d.Queue.Enqueue(r.Context(), queue.JobType(req.Type), req.Payload, queue.EnqueueOptions{
		Priority: queue.ParsePriority(req.Priority),
		RetryMax: req.RetryMax,
		Metadata: queue.Metadata{Tags: req.Tags},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeCreated(w, map[string]string{"id": id})
}

// getTask serves GET /tasks/{id}.
func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.d.Queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, job)
}

// cancelTask serves POST /tasks/{id}/cancel.
func (h *handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &body)

	if err := h.d.Queue.Cancel(r.Context(), id, body.Reason); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if errors.Is(err, queue.ErrAlreadyTerminal) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]string{"id": id, "status": string(queue.StatusCancelled)})
}

// taskStats serves the queue-depth stats endpoint (§6 "stats endpoints for
// queue and system").
func (h *handlers) taskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.d.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	data := map[string]interface{}{"queue": stats}
	if h.d.Stream != nil {
		data["stream"] = h.d.Stream.Snapshot()
	}
	writeOK(w, data)
}

// taskHistory serves GET /tasks/history?limit — terminal jobs from the
// completed, failed and dead_letter sets, concatenated in that order. Each
// set contributes up to limit jobs, oldest transition first; the combined
// list is not re-sorted across sets.
func (h *handlers) taskHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	var out []queue.Job
	for _, st := range []queue.Status{queue.StatusCompleted, queue.StatusFailed, queue.StatusDead} {
		jobs, _, err := h.d.Queue.List(r.Context(), st, limit, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, jobs...)
	}
	writeOK(w, out)
}

// taskHealth serves GET /tasks/health — a coarse liveness signal derived
// from queue reachability and dead-letter backlog (§6, §7 internal-invariant
// observability).
func (h *handlers) taskHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.d.Queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Envelope{Success: false, Error: err.Error()})
		return
	}
	healthy := true
	if stats.DeadLetter > 1000 {
		healthy = false
	}
	writeOK(w, map[string]interface{}{"healthy": healthy, "stats": stats})
}

// deadLetters serves GET /tasks/dead-letter (SPEC_FULL §C supplemented
// feature): lists jobs that exhausted their retry budget.
func (h *handlers) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	jobs, total, err := h.d.Queue.List(r.Context(), queue.StatusDead, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]interface{}{"jobs": jobs, "total": total})
}
