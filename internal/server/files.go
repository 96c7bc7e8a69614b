package server

import (
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/wasmserve/internal/mimetype"
)

const (
	indexPage    = "index.html"
	notFoundPage = "404.html"
)

// fileHandler serves files from root. It decides status, Content-Type,
// ETag and Cache-Control itself and leaves range handling, conditional
// requests, redirects and directory listings to http.FileServer.
type fileHandler struct {
	root    afero.Fs
	types   *mimetype.Resolver
	files   http.Handler
	etags   *etagCache
	listing bool
	logger  *slog.Logger
}

func newFileHandler(root afero.Fs, types *mimetype.Resolver, listing bool, logger *slog.Logger) *fileHandler {
	return &fileHandler{
		root:    root,
		types:   types,
		files:   http.FileServer(afero.NewHttpFs(root)),
		etags:   newETagCache(),
		listing: listing,
		logger:  logger,
	}
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "501 unsupported method", http.StatusNotImplemented)
		return
	}

	name := path.Clean("/" + r.URL.Path)

	info, err := h.root.Stat(name)
	if err != nil {
		h.notFound(w, r)
		return
	}

	if info.IsDir() {
		// Let the file server redirect /dir to /dir/.
		if !strings.HasSuffix(r.URL.Path, "/") {
			h.files.ServeHTTP(w, r)
			return
		}
		index := path.Join(name, indexPage)
		indexInfo, err := h.root.Stat(index)
		if err != nil || indexInfo.IsDir() {
			if !h.listing {
				h.notFound(w, r)
				return
			}
			h.files.ServeHTTP(w, r)
			return
		}
		name, info = index, indexInfo
	} else if strings.HasSuffix(r.URL.Path, "/") || strings.HasSuffix(r.URL.Path, "/"+indexPage) {
		// The file server redirects file/ to file and .../index.html to .../
		h.files.ServeHTTP(w, r)
		return
	}

	if !info.Mode().IsRegular() {
		h.notFound(w, r)
		return
	}

	tag, err := h.etags.lookup(h.root, name, info)
	if err != nil {
		h.logger.Debug("Unreadable file", "path", name, "error", err)
		h.notFound(w, r)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", h.types.ByName(name))
	hdr.Set("ETag", tag)
	hdr.Set("Cache-Control", cacheControl(path.Base(name)))
	h.files.ServeHTTP(w, r)
}

// notFound answers 404, using the root's 404.html as the body when present.
func (h *fileHandler) notFound(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Cache-Control", "no-cache")

	if content, err := afero.ReadFile(h.root, "/"+notFoundPage); err == nil {
		hdr.Set("Content-Type", h.types.ByName(notFoundPage))
		w.WriteHeader(http.StatusNotFound)
		if r.Method != http.MethodHead {
			_, _ = w.Write(content)
		}
		return
	}
	http.Error(w, "404 page not found", http.StatusNotFound)
}
