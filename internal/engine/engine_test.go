package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowagent/internal/modfetch"
	"flowagent/internal/outputs"
	"flowagent/internal/petex"
	"flowagent/internal/upstream"
)

func newTestEngine(t *testing.T, upstreamURL string, provider *petex.Provider) *Engine {
	t.Helper()
	if provider == nil {
		provider = petex.NewProvider(false, "", time.Second, zap.NewNop())
	}
	client := upstream.NewClient(upstreamURL, "key",
		upstream.Credentials{AccessToken: "tok"},
		time.Second, time.Second, zap.NewNop())
	sink := outputs.NewStore(t.TempDir(), zap.NewNop())
	registry := modfetch.NewRegistry("", "", false, time.Second, zap.NewNop())

	e, err := New(registry, client, sink, provider, "local", zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestRun_BindingSurvivesAcrossRuns(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)

	res, err := e.Run(context.Background(), RunRequest{Fragments: []string{"x := 1 + 1"}})
	require.NoError(t, err)
	require.Equal(t, VarInfo{Type: "int", Preview: "2"}, res.Variables["x"])

	res, err = e.Run(context.Background(), RunRequest{Fragments: []string{"y := x * 10"}})
	require.NoError(t, err)
	require.Equal(t, "20", res.Variables["y"].Preview)
}

func TestRun_CapturesOutputAndStopsOnError(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)

	res, err := e.Run(context.Background(), RunRequest{Fragments: []string{
		`import "fmt"`,
		`fmt.Println("a")`,
		`panic("boom")`,
		`never := 1`,
	}})
	require.NoError(t, err)
	require.Equal(t, "a\n", res.Stdout)
	require.Contains(t, res.Stderr, "boom")
	require.NotContains(t, res.Variables, "never")
}

func TestRun_RemoteModuleImports(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/module/petex_client/gap", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("package gap\n\nfunc Version() string { return \"13.5\" }\n"))
	})
	mux.HandleFunc("GET /api/module/pi_client/init.go", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("package pi_client\n\nfunc Ping() string { return \"pong\" }\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	registry := modfetch.NewRegistry(srv.URL+"/api", "key", true, time.Second, zap.NewNop())
	client := upstream.NewClient("http://unused", "key",
		upstream.Credentials{AccessToken: "tok"},
		time.Second, time.Second, zap.NewNop())
	sink := outputs.NewStore(t.TempDir(), zap.NewNop())
	provider := petex.NewProvider(false, "", time.Second, zap.NewNop())

	e, err := New(registry, client, sink, provider, "local", zap.NewNop())
	require.NoError(t, err)

	res, err := e.Run(context.Background(), RunRequest{Fragments: []string{
		`import "petex_client/gap"`,
		`v := gap.Version()`,
	}})
	require.NoError(t, err)
	require.Empty(t, res.Stderr)
	require.Equal(t, VarInfo{Type: "string", Preview: "13.5"}, res.Variables["v"])

	// A bare top-level name is only served as a package root; the import
	// resolves through the init-file fallback.
	res, err = e.Run(context.Background(), RunRequest{Fragments: []string{
		`import "pi_client"`,
		`p := pi_client.Ping()`,
	}})
	require.NoError(t, err)
	require.Empty(t, res.Stderr)
	require.Equal(t, "pong", res.Variables["p"].Preview)
}

func TestRun_RefreshOnlyOverrideKeepsAccessToken(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)

	_, err := e.Run(context.Background(), RunRequest{RefreshToken: "r-new"})
	require.NoError(t, err)
	require.Equal(t, "tok", e.client.AccessToken())
}

func TestRun_PetexAcquisitionFailureIsHard(t *testing.T) {
	provider := petex.NewProvider(true, "127.0.0.1:1", 100*time.Millisecond, zap.NewNop())
	e := newTestEngine(t, "http://unused", provider)

	_, err := e.Run(context.Background(), RunRequest{
		Fragments: []string{"x := 1"},
		UsePetex:  true,
	})
	require.ErrorIs(t, err, ErrResourceAcquisition)

	// The failing request never touched the namespace.
	require.NotContains(t, e.Variables(), "x")
}

func TestRun_PetexDisabledProvider(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)

	_, err := e.Run(context.Background(), RunRequest{UsePetex: true})
	require.ErrorIs(t, err, ErrResourceAcquisition)
}

func TestVariables_PreviewBudgets(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)
	require.NoError(t, e.SetVar("s", strings.Repeat("a", 200), "str"))

	listing := e.Variables()
	require.Len(t, []rune(listing["s"].Preview), 80)
	require.True(t, strings.HasSuffix(listing["s"].Preview, "..."))

	res, err := e.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	require.Len(t, []rune(res.Variables["s"].Preview), 60)
	require.False(t, strings.HasSuffix(res.Variables["s"].Preview, "..."))
}

func TestVariables_ExcludesReservedAndDunder(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)

	_, err := e.Run(context.Background(), RunRequest{Fragments: []string{
		"__scratch := 7",
		"visible := 7",
	}})
	require.NoError(t, err)

	vars := e.Variables()
	require.Contains(t, vars, "visible")
	require.NotContains(t, vars, "__scratch")
	for name := range reservedNames {
		require.NotContains(t, vars, name)
	}
}

func TestSetVar_Coercion(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)

	require.NoError(t, e.SetVar("i", "3", "int"))
	require.NoError(t, e.SetVar("f", 2.5, "float"))
	require.NoError(t, e.SetVar("b", "yes", "bool"))
	require.NoError(t, e.SetVar("s", 42, "str"))

	vars := e.Variables()
	require.Equal(t, "3", vars["i"].Preview)
	require.Equal(t, "int", vars["i"].Type)
	require.Equal(t, "2.5", vars["f"].Preview)
	require.Equal(t, "true", vars["b"].Preview)
	require.Equal(t, "42", vars["s"].Preview)
	require.Equal(t, "string", vars["s"].Type)
}

func TestSetVar_Failures(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)

	require.Error(t, e.SetVar("i", "abc", "int"))
	require.Error(t, e.SetVar("agent", 1, "int"))
	require.Error(t, e.SetVar("not a name", 1, "int"))
}

func TestDeleteVar_TombstoneAndRebind(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)
	require.NoError(t, e.SetVar("v", 1, "int"))

	e.DeleteVar("v")
	require.NotContains(t, e.Variables(), "v")

	// Deleting an unknown name is a no-op.
	e.DeleteVar("ghost")

	require.NoError(t, e.SetVar("v", 2, "int"))
	require.Equal(t, "2", e.Variables()["v"].Preview)
}

func TestReset_DropsAllBindings(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)
	require.NoError(t, e.SetVar("v", 1, "int"))

	require.NoError(t, e.Reset())
	require.Empty(t, e.Variables())

	// The namespace still works after a reset.
	res, err := e.Run(context.Background(), RunRequest{Fragments: []string{"z := 5"}})
	require.NoError(t, err)
	require.Equal(t, "5", res.Variables["z"].Preview)
}

func TestAgentHelpers_WorkflowInputsAndLocalOutputs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/workflow_inputs/5/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"well": "A-12"},
			{"well": "A-13"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newTestEngine(t, srv.URL+"/api", nil)
	id := int64(5)

	res, err := e.Run(context.Background(), RunRequest{
		WorkflowID: &id,
		Fragments: []string{
			`rows := agent.LoadInputs()`,
			`n := len(rows)`,
			`agent.SaveOutput([]map[string]interface{}{{"result": "ok"}}, "")`,
		},
	})
	require.NoError(t, err)
	require.Empty(t, res.Stderr)
	require.Equal(t, "2", res.Variables["n"].Preview)

	saved, err := e.sink.Read(5)
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"result": "ok"}}, saved)
}

func TestAgentHelpers_MisuseIsCapturedNotFatal(t *testing.T) {
	e := newTestEngine(t, "http://unused", nil)

	// No workflow bound and no Petex server acquired: the helper panics
	// and the run reports it through stderr.
	res, err := e.Run(context.Background(), RunRequest{
		Fragments: []string{`agent.LoadInputs()`},
	})
	require.NoError(t, err)
	require.Contains(t, res.Stderr, "no workflow bound")

	res, err = e.Run(context.Background(), RunRequest{
		Fragments: []string{`agent.Srv()`},
	})
	require.NoError(t, err)
	require.Contains(t, res.Stderr, "no petex server")
}

func TestFormatEvalError(t *testing.T) {
	require.Equal(t, "Error: plain failure", formatEvalError(errors.New("plain failure")))
	require.Equal(t, "namedError: typed failure", formatEvalError(&namedError{msg: "typed failure"}))
}

type namedError struct{ msg string }

func (e *namedError) Error() string { return e.msg }
