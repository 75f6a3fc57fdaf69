package httpapi

import (
	"net/http"

	"github.com/nexusops/ticketsync/internal/queue"
)

// High-level shortcuts (§6) are thin conveniences over POST /tasks: they
// translate a domain-specific request shape into an enqueue call for a
// fixed job type, so a caller doesn't need to know the raw payload schema a
// worker handler expects.

type exportParquetRequest struct {
	Table       string                 `json:"table"`
	Filters     map[string]interface{} `json:"filters,omitempty"`
	Compression string                 `json:"compression,omitempty"`
	Priority    string                 `json:"priority,omitempty"`
}

func (h *handlers) exportParquet(w http.ResponseWriter, r *http.Request) {
	var req exportParquetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload := map[string]interface{}{
		"table":       req.Table,
		"filters":     req.Filters,
		"compression": req.Compression,
	}
	h.enqueueShortcut(w, r, queue.JobParquetExport, payload, req.Priority)
}

type pipelineExecuteRequest struct {
	PipelineID string   `json:"pipelineId"`
	Tables     []string `json:"tables,omitempty"`
	Priority   string   `json:"priority,omitempty"`
}

func (h *handlers) executePipeline(w http.ResponseWriter, r *http.Request) {
	var req pipelineExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload := map[string]interface{}{
		"pipeline_id": req.PipelineID,
		"tables":      req.Tables,
	}
	h.enqueueShortcut(w, r, queue.JobPipelineExecution, payload, req.Priority)
}

type syncDataRequest struct {
	Tables      []string `json:"tables"`
	Incremental bool     `json:"incremental,omitempty"`
	Priority    string   `json:"priority,omitempty"`
}

func (h *handlers) syncData(w http.ResponseWriter, r *http.Request) {
	var req syncDataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload := map[string]interface{}{
		"tables":      req.Tables,
		"incremental": req.Incremental,
	}
	h.enqueueShortcut(w, r, queue.JobDataSync, payload, req.Priority)
}

type cacheRefreshRequest struct {
	Keys     []string `json:"keys,omitempty"`
	Priority string   `json:"priority,omitempty"`
}

func (h *handlers) cacheRefresh(w http.ResponseWriter, r *http.Request) {
	var req cacheRefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload := map[string]interface{}{"keys": req.Keys}
	h.enqueueShortcut(w, r, queue.JobCacheRefresh, payload, req.Priority)
}

func (h *handlers) enqueueShortcut(w http.ResponseWriter, r *http.Request, jobType queue.JobType, payload map[string]interface{}, priority string) {
	id, err := h.d.Queue.Enqueue(r.Context(), jobType, payload, queue.EnqueueOptions{
		Priority: queue.ParsePriority(priority),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeCreated(w, map[string]string{"id": id})
}
