// Package engine owns the shared execution namespace and runs code
// fragments against it. The namespace is a single persistent interpreter:
// bindings survive across fragments and requests until an explicit reset.
package engine

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"flowagent/internal/modfetch"
)

// Preview budgets: run endpoints cut hard at 60 characters, the standalone
// listing endpoint allows 80 with an ellipsis. Both limits are deliberate.
const (
	runPreviewBudget  = 60
	listPreviewBudget = 80
)

// reservedNames are the fixed bindings excluded from every snapshot: module
// handles, the resource provider, and the helper packages.
var reservedNames = map[string]bool{
	"gap":       true,
	"gap_tools": true,
	"resolve":   true,
	"pi":        true,
	"srv":       true,
	"agent":     true,
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// VarInfo is one snapshot entry.
type VarInfo struct {
	Type    string `json:"type"`
	Preview string `json:"preview"`
}

// Namespace wraps the persistent interpreter plus the bookkeeping around
// it: reserved helper exports, tombstoned names, and the per-request output
// capture writers. It has a single-writer-at-a-time contract; the mutex
// protects interpreter integrity, not request isolation.
type Namespace struct {
	registry *modfetch.Registry
	exports  interp.Exports
	log      *zap.Logger

	stdout *swappableWriter
	stderr *swappableWriter

	mu     sync.Mutex
	interp *interp.Interpreter
	hidden map[string]struct{}
}

// NewNamespace builds the namespace with its reserved bindings installed.
func NewNamespace(registry *modfetch.Registry, exports interp.Exports, log *zap.Logger) (*Namespace, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ns := &Namespace{
		registry: registry,
		exports:  exports,
		log:      log.Named("namespace"),
		stdout:   &swappableWriter{},
		stderr:   &swappableWriter{},
	}
	if err := ns.rebuild(); err != nil {
		return nil, err
	}
	return ns, nil
}

// rebuild replaces the interpreter with a fresh one holding exactly the
// reserved bindings. Callers hold no lock; rebuild takes it.
func (ns *Namespace) rebuild() error {
	opts := interp.Options{
		Stdout:       ns.stdout,
		Stderr:       ns.stderr,
		Unrestricted: true,
	}
	if ns.registry != nil && ns.registry.Enabled() {
		// Imports of allow-listed prefixes resolve through the registry's
		// virtual GOPATH; everything else falls through to local search.
		opts.GoPath = "."
		opts.SourcecodeFilesystem = ns.registry
	}

	i := interp.New(opts)
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("failed to load stdlib symbols: %w", err)
	}
	if ns.exports != nil {
		if err := i.Use(ns.exports); err != nil {
			return fmt.Errorf("failed to install helper bindings: %w", err)
		}
		for path := range ns.exports {
			pkg, _, _ := strings.Cut(path, "/")
			if _, err := i.Eval(fmt.Sprintf("import %q", pkg)); err != nil {
				return fmt.Errorf("failed to import helper package %s: %w", pkg, err)
			}
		}
	}

	ns.mu.Lock()
	ns.interp = i
	ns.hidden = map[string]struct{}{}
	ns.mu.Unlock()
	return nil
}

// Reset restores the namespace to exactly its reserved bindings.
func (ns *Namespace) Reset() error {
	return ns.rebuild()
}

// BeginCapture routes interpreter output into the given buffers until
// EndCapture.
func (ns *Namespace) BeginCapture(stdout, stderr io.Writer) {
	ns.stdout.set(stdout)
	ns.stderr.set(stderr)
}

// EndCapture detaches the capture buffers.
func (ns *Namespace) EndCapture() {
	ns.stdout.set(nil)
	ns.stderr.set(nil)
}

// Eval evaluates one fragment against the namespace.
func (ns *Namespace) Eval(src string) error {
	ns.mu.Lock()
	i := ns.interp
	ns.mu.Unlock()
	_, err := i.Eval(src)
	return err
}

// SetVar coerces value per kind ("int", "float", "bool", anything else is
// string) and installs it as a binding. Coercion failure is an error;
// installing clears any tombstone on the name.
func (ns *Namespace) SetVar(name string, value any, kind string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid variable name %q", name)
	}
	if reservedNames[name] {
		return fmt.Errorf("variable name %q is reserved", name)
	}

	lit, err := coerceLiteral(value, kind)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	i := ns.interp
	ns.mu.Unlock()

	if _, err := i.Eval(fmt.Sprintf("%s := %s", name, lit)); err != nil {
		if _, err2 := i.Eval(fmt.Sprintf("%s = %s", name, lit)); err2 != nil {
			return fmt.Errorf("failed to set %s: %w", name, err2)
		}
	}

	ns.mu.Lock()
	delete(ns.hidden, name)
	ns.mu.Unlock()
	return nil
}

// DeleteVar removes a binding from the externally visible namespace. It
// always succeeds; the interpreter keeps the underlying value until the
// name is redefined or the namespace is reset.
func (ns *Namespace) DeleteVar(name string) {
	ns.mu.Lock()
	ns.hidden[name] = struct{}{}
	ns.mu.Unlock()
}

// Snapshot renders every visible binding as {type, preview}. Reserved
// names, double-underscore names, tombstoned names, callables and type
// objects are excluded.
func (ns *Namespace) Snapshot(budget int, ellipsis bool) map[string]VarInfo {
	ns.mu.Lock()
	i := ns.interp
	hidden := make(map[string]struct{}, len(ns.hidden))
	for k := range ns.hidden {
		hidden[k] = struct{}{}
	}
	ns.mu.Unlock()

	out := map[string]VarInfo{}
	for name, v := range i.Globals() {
		if reservedNames[name] || strings.HasPrefix(name, "__") {
			continue
		}
		if _, ok := hidden[name]; ok {
			continue
		}
		info, ok := describe(v, budget, ellipsis)
		if !ok {
			continue
		}
		out[name] = info
	}
	return out
}

func describe(v reflect.Value, budget int, ellipsis bool) (VarInfo, bool) {
	if !v.IsValid() {
		return VarInfo{}, false
	}
	if v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if v.Kind() == reflect.Func {
		return VarInfo{}, false
	}
	if !v.CanInterface() {
		return VarInfo{Type: v.Type().String()}, true
	}
	val := v.Interface()
	if _, isType := val.(reflect.Type); isType {
		return VarInfo{}, false
	}
	return VarInfo{
		Type:    v.Type().String(),
		Preview: truncate(preview(val), budget, ellipsis),
	}, true
}

// preview stringifies defensively: fragment values can carry Stringer
// implementations that themselves blow up.
func preview(val any) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return fmt.Sprint(val)
}

func truncate(s string, budget int, ellipsis bool) string {
	r := []rune(s)
	if len(r) <= budget {
		return s
	}
	if ellipsis {
		return string(r[:budget-3]) + "..."
	}
	return string(r[:budget])
}

func coerceLiteral(value any, kind string) (string, error) {
	switch kind {
	case "int":
		switch x := value.(type) {
		case float64:
			return strconv.FormatInt(int64(x), 10), nil
		case int:
			return strconv.Itoa(x), nil
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return strconv.FormatInt(n, 10), nil
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return strconv.FormatInt(int64(f), 10), nil
			}
			return "", fmt.Errorf("cannot coerce %q to int", x)
		default:
			return "", fmt.Errorf("cannot coerce %T to int", value)
		}
	case "float":
		switch x := value.(type) {
		case float64:
			return strconv.FormatFloat(x, 'g', -1, 64), nil
		case int:
			return strconv.FormatFloat(float64(x), 'g', -1, 64), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return strconv.FormatFloat(f, 'g', -1, 64), nil
			}
			return "", fmt.Errorf("cannot coerce %q to float", x)
		default:
			return "", fmt.Errorf("cannot coerce %T to float", value)
		}
	case "bool":
		switch strings.ToLower(fmt.Sprint(value)) {
		case "1", "true", "yes":
			return "true", nil
		default:
			return "false", nil
		}
	default:
		return strconv.Quote(fmt.Sprint(value)), nil
	}
}

// swappableWriter lets the persistent interpreter write into per-request
// buffers. With no buffer attached output is discarded.
type swappableWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swappableWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return len(p), nil
	}
	return s.w.Write(p)
}

func (s *swappableWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

// formatEvalError renders a fragment failure as "<Kind>: <message>".
func formatEvalError(err error) string {
	var p interp.Panic
	if errors.As(err, &p) {
		return fmt.Sprintf("Panic: %v", p.Value)
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := ""
	if t != nil {
		name = t.Name()
	}
	if name == "" || name == "errorString" {
		name = "Error"
	}
	return fmt.Sprintf("%s: %v", name, err)
}
