package serve

import (
	"encoding/json"
	"net/http"

	"conduit/engine"
)

// StatusFunc returns the status of the current run, or false between runs.
type StatusFunc func() (engine.Status, bool)

// HealthServer reports the current run as JSON. It answers 200 while frames
// are being distributed and 503 otherwise.
type HealthServer struct {
	Status StatusFunc
}

type HealthResponse struct {
	Healthy bool           `json:"healthy"`
	Run     *engine.Status `json:"run,omitempty"`
}

func (s *HealthServer) BuildResponse() *HealthResponse {
	st, ok := s.Status()
	if !ok {
		return &HealthResponse{}
	}
	return &HealthResponse{Healthy: st.Healthy(), Run: &st}
}

func (s *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := s.BuildResponse()
	js, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Write(js)
}
