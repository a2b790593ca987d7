package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"go.uber.org/zap"

	"flowagent/internal/modfetch"
	"flowagent/internal/outputs"
	"flowagent/internal/petex"
	"flowagent/internal/upstream"
)

// ErrResourceAcquisition marks a request that asked for the Petex server
// but could not get one. The fragments are never evaluated in that case.
var ErrResourceAcquisition = errors.New("failed to acquire petex server")

// RunRequest is one execution request against the shared namespace.
type RunRequest struct {
	Fragments    []string
	UsePetex     bool
	WorkflowID   *int64
	AccessToken  string
	RefreshToken string
}

// RunResult carries captured output plus the post-run namespace snapshot.
type RunResult struct {
	Stdout    string             `json:"stdout"`
	Stderr    string             `json:"stderr"`
	Variables map[string]VarInfo `json:"variables"`
}

// Engine executes fragment batches against the persistent namespace and
// owns the per-request session state the helper packages close over.
type Engine struct {
	ns         *Namespace
	client     *upstream.Client
	sink       *outputs.Store
	petex      *petex.Provider
	outputMode string
	log        *zap.Logger

	sessionMu sync.Mutex
	session   *session
}

// session holds request-scoped state: the acquired Petex server, if any,
// and the workflow the helpers read inputs from and write outputs to.
type session struct {
	srv         *petex.Server
	workflowID  int64
	hasWorkflow bool
}

// New wires the engine and builds the namespace with the agent and pi
// helper packages installed.
func New(registry *modfetch.Registry, client *upstream.Client, sink *outputs.Store, provider *petex.Provider, outputMode string, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		client:     client,
		sink:       sink,
		petex:      provider,
		outputMode: outputMode,
		log:        log.Named("engine"),
	}
	ns, err := NewNamespace(registry, e.exports(), log)
	if err != nil {
		return nil, err
	}
	e.ns = ns
	return e, nil
}

// Run evaluates the fragments in order. The first failing fragment stops
// the batch; its error is appended to the captured stderr rather than
// failing the request. An acquired Petex server is always released before
// Run returns, even when a fragment panics out of the interpreter.
func (e *Engine) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if req.AccessToken != "" || req.RefreshToken != "" {
		e.client.SetTokens(req.AccessToken, req.RefreshToken)
	}

	sess := &session{}
	if req.WorkflowID != nil {
		sess.workflowID = *req.WorkflowID
		sess.hasWorkflow = true
	}
	if req.UsePetex {
		srv, err := e.petex.Acquire(ctx)
		if err != nil {
			return RunResult{}, fmt.Errorf("%w: %v", ErrResourceAcquisition, err)
		}
		sess.srv = srv
	}

	var outBuf, errBuf bytes.Buffer
	e.ns.BeginCapture(&outBuf, &errBuf)
	e.setSession(sess)
	defer func() {
		e.setSession(nil)
		if sess.srv != nil {
			if err := sess.srv.Close(); err != nil {
				e.log.Warn("petex server close failed", zap.Error(err))
			}
		}
		e.ns.EndCapture()
	}()

	start := time.Now()
	for idx, frag := range req.Fragments {
		if err := e.ns.Eval(frag); err != nil {
			fmt.Fprintln(&errBuf, formatEvalError(err))
			e.log.Debug("fragment failed",
				zap.Int("fragment", idx),
				zap.Error(err))
			break
		}
	}
	e.log.Info("run complete",
		zap.Int("fragments", len(req.Fragments)),
		zap.Duration("elapsed", time.Since(start)))

	return RunResult{
		Stdout:    outBuf.String(),
		Stderr:    errBuf.String(),
		Variables: e.ns.Snapshot(runPreviewBudget, false),
	}, nil
}

// Variables snapshots the namespace without running anything. The listing
// uses the wider preview budget and marks truncation with an ellipsis.
func (e *Engine) Variables() map[string]VarInfo {
	return e.ns.Snapshot(listPreviewBudget, true)
}

// Reset discards every user binding and rebuilds the reserved ones.
func (e *Engine) Reset() error {
	e.log.Info("namespace reset")
	return e.ns.Reset()
}

// SetVar installs a coerced binding outside any run.
func (e *Engine) SetVar(name string, value any, kind string) error {
	return e.ns.SetVar(name, value, kind)
}

// DeleteVar removes a binding from the visible namespace.
func (e *Engine) DeleteVar(name string) {
	e.ns.DeleteVar(name)
}

func (e *Engine) setSession(s *session) {
	e.sessionMu.Lock()
	e.session = s
	e.sessionMu.Unlock()
}

func (e *Engine) currentSession() *session {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	return e.session
}

// exports builds the reserved helper packages visible to fragments:
//
//	agent.Srv()         the Petex server acquired for this request
//	agent.LoadInputs()  input rows of the bound workflow
//	agent.SaveOutput()  persist output rows per the configured mode
//	pi.Value(...)       current records, filtered by loose references
//	pi.Series(...)      history rows within an inclusive time window
//
// All of them panic on misuse; the interpreter turns the panic into a
// captured fragment error instead of crashing the process.
func (e *Engine) exports() interp.Exports {
	return interp.Exports{
		"agent/agent": {
			"Srv":        reflect.ValueOf(e.agentSrv),
			"LoadInputs": reflect.ValueOf(e.agentLoadInputs),
			"SaveOutput": reflect.ValueOf(e.agentSaveOutput),
		},
		"pi/pi": {
			"Value":  reflect.ValueOf(e.piValue),
			"Series": reflect.ValueOf(e.piSeries),
		},
	}
}

func (e *Engine) agentSrv() *petex.Server {
	s := e.currentSession()
	if s == nil || s.srv == nil {
		panic("no petex server acquired for this request")
	}
	return s.srv
}

func (e *Engine) agentLoadInputs() []map[string]any {
	s := e.currentSession()
	if s == nil || !s.hasWorkflow {
		panic("no workflow bound to this request")
	}
	inputs, err := e.client.WorkflowInputs(context.Background(), s.workflowID)
	if err != nil {
		panic(err)
	}
	return inputs
}

func (e *Engine) agentSaveOutput(records []map[string]any, mode string) {
	s := e.currentSession()
	if s == nil || !s.hasWorkflow {
		panic("no workflow bound to this request")
	}
	if mode == "" {
		mode = e.outputMode
	}

	var err error
	switch mode {
	case "db":
		err = e.client.SaveOutputs(context.Background(), s.workflowID, records)
	case "local", "append":
		err = e.sink.Write(s.workflowID, records, outputs.ModeAppend)
	case "replace":
		err = e.sink.Write(s.workflowID, records, outputs.ModeReplace)
	default:
		panic(fmt.Sprintf("unknown output mode %q", mode))
	}
	if err != nil {
		panic(err)
	}
}

func (e *Engine) piValue(component, objectType, object, property any) []upstream.Record {
	comps, otypes, objs, props := mustRefs(component, objectType, object, property)
	recs, err := e.client.GetRecords(context.Background(), comps, otypes, objs, props)
	if err != nil {
		panic(err)
	}
	return recs
}

func (e *Engine) piSeries(component, objectType, object, property, start, end any) []upstream.HistoryItem {
	comps, otypes, objs, props := mustRefs(component, objectType, object, property)
	items, err := e.client.GetHistory(context.Background(), comps, otypes, objs, props,
		asBound(start), asBound(end))
	if err != nil {
		panic(err)
	}
	return items
}

func mustRefs(component, objectType, object, property any) (comps, otypes, objs, props upstream.Refs) {
	var err error
	if comps, err = upstream.AsRefs(component); err != nil {
		panic(err)
	}
	if otypes, err = upstream.AsRefs(objectType); err != nil {
		panic(err)
	}
	if objs, err = upstream.AsRefs(object); err != nil {
		panic(err)
	}
	if props, err = upstream.AsRefs(property); err != nil {
		panic(err)
	}
	return
}

// asBound accepts nil, a time.Time, or a timestamp string for a window
// bound. An unparseable string means no bound.
func asBound(v any) *time.Time {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &x
	case *time.Time:
		return x
	case string:
		if x == "" {
			return nil
		}
		if t, ok := upstream.ParseTimestamp(x); ok {
			return &t
		}
		return nil
	default:
		return nil
	}
}
