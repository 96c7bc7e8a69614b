package server

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// OpenRoot returns the served filesystem for dir. Paths are confined to dir
// by afero's BasePathFs, writes are refused, and unless followSymlinks is
// set any symlink on the way to a file makes it invisible.
func OpenRoot(dir string, followSymlinks bool) (afero.Fs, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid base directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("invalid base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("invalid base directory: %s is not a directory", abs)
	}

	var root afero.Fs = afero.NewBasePathFs(afero.NewOsFs(), abs)
	if !followSymlinks {
		root = &symlinkGuard{Fs: root}
	}
	return afero.NewReadOnlyFs(root), nil
}

// symlinkGuard hides every path whose components include a symlink.
// Filesystems that cannot Lstat are passed through.
type symlinkGuard struct {
	afero.Fs
}

func (g *symlinkGuard) Name() string { return "symlinkGuard" }

func (g *symlinkGuard) Open(name string) (afero.File, error) {
	if err := g.check("open", name); err != nil {
		return nil, err
	}
	return g.Fs.Open(name)
}

func (g *symlinkGuard) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if err := g.check("open", name); err != nil {
		return nil, err
	}
	return g.Fs.OpenFile(name, flag, perm)
}

func (g *symlinkGuard) Stat(name string) (os.FileInfo, error) {
	if err := g.check("stat", name); err != nil {
		return nil, err
	}
	return g.Fs.Stat(name)
}

func (g *symlinkGuard) check(op, name string) error {
	lst, ok := g.Fs.(afero.Lstater)
	if !ok {
		return nil
	}

	current := "/"
	cleaned := path.Clean("/" + filepath.ToSlash(name))
	for _, part := range strings.Split(strings.TrimPrefix(cleaned, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		info, lstatCalled, err := lst.LstatIfPossible(current)
		if err != nil {
			return err
		}
		if lstatCalled && info.Mode()&fs.ModeSymlink != 0 {
			return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
		}
	}
	return nil
}
