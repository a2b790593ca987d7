package modfetch

import (
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gapSource = `package gap

func Version() string { return "13.5" }
`

const rootSource = `package petex_client

const Name = "petex_client"
`

// fakeUpstream serves module source the way the main server does: plain
// paths for nested modules, package-init fallback for bare package roots.
func fakeUpstream(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Header.Get("X-API-Key") != "supersecret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/api/module/petex_client/gap":
			_, _ = w.Write([]byte(gapSource))
		case "/api/module/petex_client/init.go":
			_, _ = w.Write([]byte(rootSource))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRegistry(t *testing.T, hits *atomic.Int64) *Registry {
	srv := fakeUpstream(t, hits)
	return NewRegistry(srv.URL+"/api", "supersecret", true, 5*time.Second, nil)
}

func TestSource_NestedModule(t *testing.T) {
	r := newTestRegistry(t, nil)

	m, err := r.Source("petex_client/gap")
	require.NoError(t, err)
	assert.Equal(t, "petex_client/gap", m.Name)
	assert.False(t, m.IsPackage)
	assert.Equal(t, "gap.go", m.Filename)
	assert.Contains(t, m.Source, "func Version()")
}

func TestSource_BareNameFallsBackToPackageInit(t *testing.T) {
	r := newTestRegistry(t, nil)

	m, err := r.Source("petex_client")
	require.NoError(t, err)
	assert.True(t, m.IsPackage)
	assert.Equal(t, "init.go", m.Filename)
	assert.Contains(t, m.Source, "package petex_client")
}

func TestSource_CachesPerProcess(t *testing.T) {
	var hits atomic.Int64
	r := newTestRegistry(t, &hits)

	_, err := r.Source("petex_client/gap")
	require.NoError(t, err)
	_, err = r.Source("petex_client/gap")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestSource_HardFailureCarriesURLAndStatus(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, err := r.Source("petex_client/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/api/module/petex_client/missing")
	assert.Contains(t, err.Error(), "404")
}

func TestIntercepts(t *testing.T) {
	r := newTestRegistry(t, nil)

	assert.True(t, r.Intercepts("petex_client"))
	assert.True(t, r.Intercepts("pi_client/history"))
	assert.False(t, r.Intercepts("fmt"))
	assert.False(t, r.Intercepts("encoding/json"))

	disabled := NewRegistry("http://unused", "", false, time.Second, nil)
	assert.False(t, disabled.Intercepts("petex_client"))
}

func TestFS_OpenAndReadDir(t *testing.T) {
	r := newTestRegistry(t, nil)

	entries, err := r.ReadDir("src/petex_client/gap")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "gap.go", entries[0].Name())

	f, err := r.Open("src/petex_client/gap/gap.go")
	require.NoError(t, err)
	defer f.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, f)
	require.NoError(t, err)
	assert.Equal(t, gapSource, buf.String())

	fi, err := r.Stat("src/petex_client/gap")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestFS_OutsideAllowListIsNotExist(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, err := r.Open("src/fmt")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = r.Stat("src/petex_client/vendor/x")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestFS_DisabledIsNotExist(t *testing.T) {
	r := NewRegistry("http://unused", "", false, time.Second, nil)
	_, err := r.Open("src/petex_client/gap/gap.go")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
