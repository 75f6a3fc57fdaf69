package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
)

// ticketUpdates serves GET /events/ticket-updates/{sys_id}: a long-lived
// websocket connection, delegated to the fan-out hub (C8, §4.7).
func (h *handlers) ticketUpdates(w http.ResponseWriter, r *http.Request) {
	if h.d.Fanout == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("fan-out hub not configured"))
		return
	}
	vars := mux.Vars(r)
	table := r.URL.Query().Get("table")
	if table == "" {
		table = "incident"
	}
	if err := h.d.Fanout.Serve(w, r, table, vars["sys_id"]); err != nil {
		h.d.Log.WithError(err).Error("ticket-updates websocket failed")
	}
}

// performanceStream serves GET /events/performance: the 5s system/processor
// metrics broadcast (C8 second channel, §4.7).
func (h *handlers) performanceStream(w http.ResponseWriter, r *http.Request) {
	if h.d.Fanout == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("fan-out hub not configured"))
		return
	}
	sample := func() interface{} {
		if h.d.Stream == nil {
			return map[string]interface{}{}
		}
		return h.d.Stream.Snapshot()
	}
	if err := h.d.Fanout.ServeSystemMetrics(w, r, sample); err != nil {
		h.d.Log.WithError(err).Error("performance websocket failed")
	}
}
