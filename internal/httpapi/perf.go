package httpapi

import "net/http"

// handlePerfStages reports rolling pipeline stage latencies against their targets.
func (s *Server) handlePerfStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Metrics.StageSnapshot())
}
