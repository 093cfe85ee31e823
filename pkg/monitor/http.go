package monitor

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// StatusView is the /status response.
type StatusView struct {
	Session    string       `json:"session"`
	Ready      bool         `json:"ready"`
	Samples    int          `json:"samples"`
	Skipped    uint64       `json:"skipped_polls"`
	Subsurface int          `json:"subsurface_points"`
	Attempts   int          `json:"attempts"`
	Clients    int          `json:"stream_clients"`
	Latest     *PoseMessage `json:"latest,omitempty"`
}

// Status summarizes the collector state.
func (c *Collector) Status() StatusView {
	c.mu.Lock()
	v := StatusView{
		Session:    c.cfg.Session,
		Ready:      c.haveLatest,
		Samples:    len(c.samples),
		Skipped:    c.skipped,
		Subsurface: len(c.subsurface),
		Attempts:   len(c.outcomes),
	}
	if c.haveLatest {
		msg := poseMessage(c.samples[len(c.samples)-1].T, &c.latest)
		v.Latest = &msg
	}
	c.mu.Unlock()
	if c.cfg.Stream != nil {
		v.Clients = c.cfg.Stream.Clients()
	}
	return v
}

// Mount adds /status and, when a stream is configured, /ws/pose to r.
func (c *Collector) Mount(r *mux.Router) {
	r.HandleFunc("/status", c.handleStatus).Methods(http.MethodGet)
	if c.cfg.Stream != nil {
		r.Handle("/ws/pose", c.cfg.Stream)
	}
}

func (c *Collector) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.Status())
}
