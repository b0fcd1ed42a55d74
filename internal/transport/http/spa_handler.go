package http

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"
)

// SPAHandler serves a Single Page Application from a static filesystem.
// It serves static files if they exist, otherwise it falls back to index.html
// so client-side routes resolve. It sits behind PageGuard.
type SPAHandler struct {
	StaticFS fs.FS
	Prefix   string
}

func (h SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, h.Prefix), "/")

	if path == "" {
		h.serveIndex(w)
		return
	}

	f, err := h.StaticFS.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			h.serveIndex(w)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err == nil && stat.IsDir() {
		h.serveIndex(w)
		return
	}

	http.StripPrefix(h.Prefix, http.FileServer(http.FS(h.StaticFS))).ServeHTTP(w, r)
}

func (h SPAHandler) serveIndex(w http.ResponseWriter) {
	content, err := fs.ReadFile(h.StaticFS, "index.html")
	if err != nil {
		http.Error(w, "index.html not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// pageHandler serves allowed page requests. Without static assets it
// reports the guard outcome as JSON, which is what an upstream proxy asking
// "may this user see this page" consumes.
func (h *Handler) pageHandler() http.Handler {
	if h.cfg.StaticFS != nil {
		return SPAHandler{StaticFS: h.cfg.StaticFS, Prefix: "/app"}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, _ := GetOutcome(r.Context())
		respondJSON(w, http.StatusOK, out)
	})
}
