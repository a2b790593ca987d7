package modfetch

import (
	"bytes"
	"io"
	"io/fs"
	"strings"
	"time"
)

// The registry doubles as the interpreter's source filesystem: with GOPATH
// set to ".", an import of "petex_client/gap" makes the interpreter stat
// "src/petex_client/gap", list the directory, and read the single virtual
// .go file inside. Anything outside the allow-list (or with the kill switch
// off) reports not-exist so local resolution takes over.

var (
	_ fs.FS        = (*Registry)(nil)
	_ fs.ReadDirFS = (*Registry)(nil)
	_ fs.StatFS    = (*Registry)(nil)
)

// parsePath maps a filesystem path onto a module path. Returns the slash
// module path, the requested file name ("" for a directory), and whether the
// path belongs to this registry at all.
func (r *Registry) parsePath(name string) (modPath, file string, ok bool) {
	p := strings.TrimPrefix(strings.TrimPrefix(name, "./"), "/")
	p = strings.TrimPrefix(p, "src/")
	if p == "" || strings.Contains(p, "vendor/") {
		return "", "", false
	}
	if strings.HasSuffix(p, ".go") {
		i := strings.LastIndex(p, "/")
		if i < 0 {
			return "", "", false
		}
		modPath, file = p[:i], p[i+1:]
	} else {
		modPath = p
	}
	if !r.Intercepts(modPath) {
		return "", "", false
	}
	return modPath, file, true
}

// Open implements fs.FS.
func (r *Registry) Open(name string) (fs.File, error) {
	modPath, file, ok := r.parsePath(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if file == "" {
		return &virtualDir{registry: r, modPath: modPath, name: name}, nil
	}
	m, err := r.Source(modPath)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	if file != m.Filename {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &virtualFile{
		info:   fileInfo{name: m.Filename, size: int64(len(m.Source))},
		Reader: bytes.NewReader([]byte(m.Source)),
	}, nil
}

// ReadDir implements fs.ReadDirFS. Listing a module directory is the point
// where fetching happens, so a bad module name aborts the import here with
// the attempted URL and status in the error.
func (r *Registry) ReadDir(name string) ([]fs.DirEntry, error) {
	modPath, file, ok := r.parsePath(name)
	if !ok || file != "" {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	m, err := r.Source(modPath)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
	}
	return []fs.DirEntry{fileInfo{name: m.Filename, size: int64(len(m.Source))}}, nil
}

// Stat implements fs.StatFS. Directory probes succeed for any allow-listed
// path; existence of the module itself is only known once it is fetched.
func (r *Registry) Stat(name string) (fs.FileInfo, error) {
	modPath, file, ok := r.parsePath(name)
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	if file == "" {
		return fileInfo{name: base(modPath), dir: true}, nil
	}
	m, err := r.Source(modPath)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	if file != m.Filename {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return fileInfo{name: m.Filename, size: int64(len(m.Source))}, nil
}

func base(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

type virtualFile struct {
	info fileInfo
	*bytes.Reader
}

func (f *virtualFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *virtualFile) Close() error               { return nil }

type virtualDir struct {
	registry *Registry
	modPath  string
	name     string
	read     bool
}

func (d *virtualDir) Stat() (fs.FileInfo, error) {
	return fileInfo{name: base(d.modPath), dir: true}, nil
}

func (d *virtualDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *virtualDir) Close() error { return nil }

// ReadDir implements fs.ReadDirFile.
func (d *virtualDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.read {
		return nil, io.EOF
	}
	d.read = true
	entries, err := d.registry.ReadDir(d.name)
	if err != nil {
		return nil, err
	}
	if n > 0 && n < len(entries) {
		entries = entries[:n]
	}
	return entries, nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return nil }

func (fi fileInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

// fs.DirEntry
func (fi fileInfo) Type() fs.FileMode          { return fi.Mode().Type() }
func (fi fileInfo) Info() (fs.FileInfo, error) { return fi, nil }
