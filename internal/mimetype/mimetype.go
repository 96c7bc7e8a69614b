// Package mimetype resolves response content types from file extensions.
package mimetype

import (
	"mime"
	"path"
	"sort"
	"strings"
)

const (
	// Fallback is returned for extensions nobody knows about.
	Fallback = "application/octet-stream"

	// Wasm is the media type browsers require for streaming compilation.
	Wasm = "application/wasm"
)

// Resolver maps file extensions to MIME types. It is built once before the
// server starts listening and is read-only afterwards.
type Resolver struct {
	platform  func(ext string) string
	overrides map[string]string
	patched   []string
}

// New builds a resolver on top of the platform table. Operator overrides
// are applied first; the .wasm guarantee is applied last so it always wins.
func New(overrides map[string]string) *Resolver {
	return newResolver(mime.TypeByExtension, overrides)
}

func newResolver(platform func(string) string, overrides map[string]string) *Resolver {
	r := &Resolver{
		platform:  platform,
		overrides: make(map[string]string, len(overrides)+1),
	}

	exts := make([]string, 0, len(overrides))
	for ext := range overrides {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		r.set(ext, overrides[ext])
	}

	r.ensure(".wasm", Wasm)
	return r
}

// ensure records ext -> want unless the platform table already agrees.
func (r *Resolver) ensure(ext, want string) {
	ext = normalizeExt(ext)
	current, overridden := r.overrides[ext]
	if !overridden {
		current = r.platform(ext)
	}
	if mediaType(current) == want {
		return
	}
	r.overrides[ext] = want
	r.patched = append(r.patched, ext)
}

func (r *Resolver) set(ext, typ string) {
	ext = normalizeExt(ext)
	typ = strings.TrimSpace(typ)
	if ext == "" || typ == "" {
		return
	}
	r.overrides[ext] = typ
}

// ByExtension returns the content type for ext. The leading dot is optional
// and matching is case-insensitive.
func (r *Resolver) ByExtension(ext string) string {
	ext = normalizeExt(ext)
	if ext == "" {
		return Fallback
	}
	if typ, ok := r.overrides[ext]; ok {
		return typ
	}
	if typ := r.platform(ext); typ != "" {
		return typ
	}
	return Fallback
}

// ByName returns the content type for a file name or URL path.
func (r *Resolver) ByName(name string) string {
	return r.ByExtension(path.Ext(name))
}

// Patched lists the extensions whose platform entry had to be corrected.
func (r *Resolver) Patched() []string {
	out := make([]string, len(r.patched))
	copy(out, r.patched)
	return out
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func mediaType(typ string) string {
	if typ == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(typ)
	if err != nil {
		return ""
	}
	return mt
}
