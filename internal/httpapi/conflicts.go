package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nexusops/ticketsync/internal/conflict"
	"github.com/nexusops/ticketsync/internal/store"
)

// listConflicts serves GET /tasks/conflicts?status=pending (SPEC_FULL §C
// supplemented feature): the sync engine's in-flight divergences awaiting
// resolution.
func (h *handlers) listConflicts(w http.ResponseWriter, r *http.Request) {
	if h.d.Sync == nil {
		writeOK(w, []interface{}{})
		return
	}
	writeOK(w, h.d.Sync.Conflicts())
}

type resolveConflictRequest struct {
	Winner string `json:"winner"` // "stored" or "upstream"
}

// resolveConflict serves POST /tasks/conflicts/{key}/resolve, where key is
// `table:sys_id` (conflict.MemoKey) as returned by listConflicts. It applies
// an operator-chosen winner to a conflict left pending under the manual
// policy.
func (h *handlers) resolveConflict(w http.ResponseWriter, r *http.Request) {
	if h.d.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no sync engine configured"))
		return
	}

	key := mux.Vars(r)["key"]
	var req resolveConflictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var target *conflict.Conflict
	for _, c := range h.d.Sync.Conflicts() {
		if conflict.MemoKey(c.EntityType, c.SysID) == key {
			target = c
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, errors.New("conflict not found or already resolved"))
		return
	}

	var winner conflict.Winner
	switch req.Winner {
	case "stored":
		winner = conflict.WinnerStored
	case "upstream":
		winner = conflict.WinnerUpstream
	default:
		writeError(w, http.StatusBadRequest, errors.New("winner must be \"stored\" or \"upstream\""))
		return
	}
	record := conflict.ResolveManual(target, winner)

	if h.d.Store != nil {
		if existing, err := h.d.Store.Get(r.Context(), target.SysID); err == nil {
			existing.EntityPayload = record
			existing.Number, _ = record["number"].(string)
			if err := h.d.Store.Upsert(r.Context(), store.CollectionFor(target.EntityType), *existing); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
	}
	writeOK(w, record)
}
