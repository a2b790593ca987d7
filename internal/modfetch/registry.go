// Package modfetch resolves whitelisted module imports against the upstream
// authority instead of local storage. The registry fetches module source over
// HTTP on first use, caches it for the process lifetime, and exposes the
// result as a virtual GOPATH filesystem that plugs into the interpreter's
// source import machinery.
package modfetch

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AllowedPrefixes is the fixed allow-list of interceptable top-level module
// names. Membership also decides package-ness for bare names; nothing in the
// fetched content does.
var AllowedPrefixes = map[string]bool{
	"petex_client": true,
	"pi_client":    true,
}

// packageInitFile is the file name retried for a bare top-level module path
// that 404s, letting the name resolve as a package root.
const packageInitFile = "init.go"

// Module is one resolved module: fully-qualified slash path, package flag,
// source text and the virtual file name it is served under. Modules are
// produced on demand and never written to disk.
type Module struct {
	Name      string
	IsPackage bool
	Source    string
	Filename  string
}

// Registry fetches and caches remote module source. It is safe for
// concurrent use.
type Registry struct {
	baseURL string
	apiKey  string
	enabled bool
	client  *http.Client
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]*Module
}

// NewRegistry creates a registry against baseURL (the endpoint that serves
// GET {base}/module/{path}). When enabled is false the registry intercepts
// nothing and all imports fall through to local search.
func NewRegistry(baseURL, apiKey string, enabled bool, timeout time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		enabled: enabled,
		client:  &http.Client{Timeout: timeout},
		log:     log.Named("modfetch"),
		cache:   map[string]*Module{},
	}
}

// Enabled reports whether remote resolution is switched on.
func (r *Registry) Enabled() bool { return r.enabled }

// Intercepts reports whether the slash module path belongs to the registry:
// remote resolution is enabled and the first path segment is allow-listed.
func (r *Registry) Intercepts(path string) bool {
	if !r.enabled || path == "" {
		return false
	}
	top, _, _ := strings.Cut(path, "/")
	return AllowedPrefixes[top]
}

// Source resolves a slash module path to its module, fetching from the
// upstream authority on first use. Results, including the bare-name package
// fallback, are cached for the process lifetime.
func (r *Registry) Source(path string) (*Module, error) {
	r.mu.Lock()
	if m, ok := r.cache[path]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m, err := r.fetch(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[path] = m
	r.mu.Unlock()
	return m, nil
}

func (r *Registry) fetch(path string) (*Module, error) {
	url := r.baseURL + "/module/" + path
	body, status, err := r.get(url)
	if err != nil {
		return nil, err
	}

	// A bare top-level name that 404s may still exist as a package root.
	if status == http.StatusNotFound && !strings.Contains(path, "/") {
		url = r.baseURL + "/module/" + path + "/" + packageInitFile
		if body, status, err = r.get(url); err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch module %q: %s returned status %d", path, url, status)
	}

	m := &Module{
		Name:      path,
		IsPackage: AllowedPrefixes[path],
		Source:    string(body),
		Filename:  moduleFileName(path),
	}
	r.log.Info("resolved remote module",
		zap.String("module", path),
		zap.String("url", url),
		zap.Int("bytes", len(m.Source)))
	return m, nil
}

func (r *Registry) get(url string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("module fetch failed for %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("module fetch failed for %s: %w", url, err)
	}
	return body, resp.StatusCode, nil
}

// moduleFileName is the virtual file a module's source is served under.
// Package roots use the package-init file; nested modules use their last
// path segment.
func moduleFileName(path string) string {
	if !strings.Contains(path, "/") {
		return packageInitFile
	}
	return path[strings.LastIndex(path, "/")+1:] + ".go"
}
