package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sploots-ai/sploots/proxy/internal/config"
)

// staticHandler serves the single-page app: real files under the
// configured root, everything else falling back to the index file so
// client-side routes resolve. API and WebSocket paths never fall back.
type staticHandler struct {
	root         string
	index        string
	cacheControl string
}

func newStaticHandler(cfg config.StaticConfig) *staticHandler {
	return &staticHandler{
		root:         cfg.Path,
		index:        cfg.Index,
		cacheControl: cacheControlValue(cfg),
	}
}

func cacheControlValue(cfg config.StaticConfig) string {
	if cfg.CacheMaxAge <= 0 {
		return ""
	}
	parts := []string{"public", fmt.Sprintf("max-age=%d", cfg.CacheMaxAge)}
	if cfg.CacheImmutable {
		parts = append(parts, "immutable")
	}
	if cfg.CacheMustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	return strings.Join(parts, ", ")
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	// Clean rooted so ".." cannot escape the static root.
	name := path.Clean("/" + r.URL.Path)
	file := filepath.Join(h.root, filepath.FromSlash(name))
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		h.serveFile(w, r, file)
		return
	}

	h.serveFile(w, r, filepath.Join(h.root, h.index))
}

func (h *staticHandler) serveFile(w http.ResponseWriter, r *http.Request, file string) {
	if h.cacheControl != "" {
		w.Header().Set("Cache-Control", h.cacheControl)
	}
	http.ServeFile(w, r, file)
}
