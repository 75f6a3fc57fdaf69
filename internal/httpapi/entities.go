package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nexusops/ticketsync/internal/store"
	"github.com/nexusops/ticketsync/internal/upstream"
)

// ticketHTML serves GET /modal/ticket/{table}/{sys_id}. HTML templating is
// an external, dashboard-layer concern (§1 non-goal); this route exists so
// the API surface is complete, but responds 501 rather than faking markup.
func (h *handlers) ticketHTML(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, Envelope{
		Success: false,
		Error:   "HTML rendering is served by the dashboard layer, not this API",
	})
}

// ticketData serves GET /modal/data/{table}/{sys_id}: the stored
// EntityRecord, falling back to a direct upstream fetch when not yet synced.
func (h *handlers) ticketData(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	table, sysID := vars["table"], vars["sys_id"]

	var rec *store.EntityRecord
	var err error
	if h.d.Store != nil {
		rec, err = h.d.Store.Get(r.Context(), sysID)
	} else {
		err = store.ErrRecordNotFound
	}
	if errors.Is(err, store.ErrRecordNotFound) {
		if h.d.Upstream == nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		upstreamRec, uerr := h.d.Upstream.Get(r.Context(), table, sysID)
		if uerr != nil {
			writeError(w, http.StatusNotFound, uerr)
			return
		}
		writeOK(w, upstreamRec)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, rec)
}

// ticketUpdate serves PUT /modal/ticket/{table}/{sys_id}: a partial update,
// pushed upstream and then force-synced back into the store so the stored
// view and upstream agree without waiting for the next scheduled sync.
func (h *handlers) ticketUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	table, sysID := vars["table"], vars["sys_id"]

	var fields upstream.Record
	if err := decodeJSON(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.d.Upstream == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no upstream client configured"))
		return
	}
	if _, err := h.d.Upstream.Update(r.Context(), table, sysID, fields); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if h.d.Sync != nil {
		if _, err := h.d.Sync.ForceSync(r.Context(), table, sysID); err != nil {
			h.d.Log.WithField("sys_id", sysID).WithError(err).Error("force_sync after update failed")
		}
	}
	writeOK(w, map[string]string{"sys_id": sysID, "table": table})
}

// refreshSection serves GET /modal/refresh/{section}/{table}/{sys_id}: forces
// an upstream re-fetch via ForceSync and returns the refreshed record. The
// section identifies which dashboard panel triggered the refresh; it does
// not change what's fetched, since EntityRecord is refreshed as a whole.
func (h *handlers) refreshSection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	section, table, sysID := vars["section"], vars["table"], vars["sys_id"]

	if h.d.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no sync engine configured"))
		return
	}
	if _, err := h.d.Sync.ForceSync(r.Context(), table, sysID); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if h.d.Store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no store configured"))
		return
	}
	rec, err := h.d.Store.Get(r.Context(), sysID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]interface{}{"section": section, "record": rec})
}
