package admin

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var embeddedStatic embed.FS

var staticFS, _ = fs.Sub(embeddedStatic, "static")

// handleDashboardIndex serves the operator status page. The page polls
// GET /api/status and drives the freeze and tick controls through the same
// JSON API the CLI uses.
func (s *Server) handleDashboardIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		http.Error(w, "dashboard not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write(data); err != nil {
		s.logger.Warn("failed to write dashboard response", "error", err)
	}
}
