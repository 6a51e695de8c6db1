package httpapi

import (
	"net/http"
	"strings"

	"github.com/antoniostano/andromeda/internal/observability"
)

type perfResponse struct {
	observability.LatencySnapshot
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"active_sessions"`
}

// handlePerfLatency serves the rolling latency window. ?stage=proxy_total
// limits the output to one stage.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	var resp perfResponse
	if s.metrics != nil {
		resp.LatencySnapshot = s.metrics.SnapshotLatency()
	}
	if resp.Stages == nil {
		resp.Stages = []observability.StageStats{}
	}
	if stage := strings.TrimSpace(r.URL.Query().Get("stage")); stage != "" {
		filtered := make([]observability.StageStats, 0, 1)
		for _, st := range resp.Stages {
			if st.Stage == stage {
				filtered = append(filtered, st)
			}
		}
		resp.Stages = filtered
	}
	resp.Sessions, resp.ActiveSessions = s.sessions.Count()
	respondJSON(w, http.StatusOK, resp)
}
