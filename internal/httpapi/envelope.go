// Package httpapi wires the HTTP surface (§6) onto the queue, scheduler,
// sync engine, and fan-out components. The wire details of the dashboard
// templates, CORS/static-asset serving, and request-schema validation are
// external collaborators (§1 out-of-scope); this package serves only the
// JSON API envelope and the websocket upgrade routes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope is the response wrapper every JSON endpoint uses (§6).
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	env.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

func writeCreated(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, Envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Envelope{Success: false, Error: err.Error()})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
