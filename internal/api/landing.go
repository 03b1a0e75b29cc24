package api

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var embeddedStatic embed.FS

var staticFS, _ = fs.Sub(embeddedStatic, "static")

func (s *Server) handleLanding(w http.ResponseWriter, _ *http.Request) {
	data, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		http.Error(w, "landing page not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write(data); err != nil {
		s.logger.Warn("failed to write landing page", "error", err)
	}
}
