package server

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/Kush-Singh-26/wasmserve/internal/config"
)

// cacheControl picks the Cache-Control value for a served file name.
// Content-hashed assets never change; everything else must revalidate so a
// rebuilt module is picked up on the next load.
func cacheControl(filename string) string {
	if isHashedAsset(filename) {
		return "public, max-age=31536000, immutable"
	}
	return "no-cache"
}

// isHashedAsset checks if filename contains a content hash (e.g., app.a1b2c3d4.wasm)
func isHashedAsset(filename string) bool {
	// Check for pattern: name.8-12chars.hash.ext
	parts := strings.Split(filename, ".")
	if len(parts) < 3 {
		return false
	}
	hashPart := parts[len(parts)-2]
	if len(hashPart) < 8 || len(hashPart) > 12 {
		return false
	}
	for _, c := range hashPart {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

type etagEntry struct {
	modTime time.Time
	size    int64
	tag     string
}

// etagCache memoizes content hashes per path. An entry is reused only while
// the file's modification time and size are unchanged.
type etagCache struct {
	mu      sync.Mutex
	entries map[string]etagEntry
}

func newETagCache() *etagCache {
	return &etagCache{entries: make(map[string]etagEntry)}
}

// lookup opens name, which doubles as the readability check, and returns
// its strong ETag.
func (c *etagCache) lookup(root afero.Fs, name string, info os.FileInfo) (string, error) {
	f, err := root.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if ok && e.size == info.Size() && e.modTime.Equal(info.ModTime()) {
		return e.tag, nil
	}

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", name, err)
	}
	sum := h.Sum(nil)
	tag := `"` + hex.EncodeToString(sum[:16]) + `"`

	c.mu.Lock()
	c.entries[name] = etagEntry{modTime: info.ModTime(), size: info.Size(), tag: tag}
	c.mu.Unlock()
	return tag, nil
}

// responseHeaders builds the fixed header set added to every response.
func responseHeaders(cfg *config.Config) http.Header {
	h := make(http.Header)
	if cfg.CORS {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	if cfg.Isolate {
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Embedder-Policy", "require-corp")
	}

	names := make([]string, 0, len(cfg.Headers))
	for name := range cfg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Set(name, cfg.Headers[name])
	}
	return h
}

func withHeaders(extra http.Header, next http.Handler) http.Handler {
	if len(extra) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dst := w.Header()
		for name, values := range extra {
			dst[name] = append([]string(nil), values...)
		}
		next.ServeHTTP(w, r)
	})
}
