// Package static serves a pre-built single page application bundle.
//
// Existing files are served as they are. Every other GET or HEAD gets the
// entry document with 200 so the browser client can route the path itself.
package static

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/R3E-Network/ticket_portal/internal/httputil"
)

// Fallback serves files from an fs.FS root with an SPA entry document.
type Fallback struct {
	fsys  fs.FS
	index string
}

// New creates a Fallback over fsys. It fails if index is not a regular
// file at the root, so a broken bundle is caught at startup.
func New(fsys fs.FS, index string) (*Fallback, error) {
	if fsys == nil {
		return nil, fmt.Errorf("static: nil filesystem")
	}
	if index == "" {
		index = "index.html"
	}
	index = strings.TrimPrefix(path.Clean("/"+index), "/")

	info, err := fs.Stat(fsys, index)
	if err != nil {
		return nil, fmt.Errorf("static: entry document %s: %w", index, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("static: entry document %s is not a regular file", index)
	}

	return &Fallback{fsys: fsys, index: index}, nil
}

// NewDir creates a Fallback over the directory dir.
func NewDir(dir, index string) (*Fallback, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("static: asset root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static: asset root %s is not a directory", dir)
	}
	return New(os.DirFS(dir), index)
}

// Index returns the entry document name.
func (f *Fallback) Index() string {
	return f.index
}

func (f *Fallback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.NotFound(w, r)
		return
	}

	if name, ok := f.resolve(r.URL.Path); ok {
		if err := f.serveFile(w, r, name); err == nil {
			return
		}
	}

	w.Header().Set("Cache-Control", "no-cache")
	if err := f.serveFile(w, r, f.index); err != nil {
		httputil.NotFound(w, r)
	}
}

// resolve maps a URL path to a regular file in the bundle.
func (f *Fallback) resolve(urlPath string) (string, bool) {
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" || !fs.ValidPath(name) {
		return "", false
	}

	info, err := fs.Stat(f.fsys, name)
	if err != nil {
		return "", false
	}
	if info.Mode().IsRegular() {
		return name, true
	}
	if info.IsDir() {
		index := path.Join(name, path.Base(f.index))
		if info, err := fs.Stat(f.fsys, index); err == nil && info.Mode().IsRegular() {
			return index, true
		}
	}
	return "", false
}

func (f *Fallback) serveFile(w http.ResponseWriter, r *http.Request, name string) error {
	file, err := f.fsys.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	content, ok := file.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(file)
		if err != nil {
			return err
		}
		content = bytes.NewReader(data)
	}

	http.ServeContent(w, r, path.Base(name), info.ModTime(), content)
	return nil
}
