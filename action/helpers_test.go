package action

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/personium/personium-core-sub028/logsink"
	"github.com/personium/personium-core-sub028/tenant"
	"github.com/personium/personium-core-sub028/token"
)

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// recorder is an httptest server remembering every request and answering with the
// handler's status
type recorder struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(r *http.Request) (int, any)
}

func newRecorder(t *testing.T, respond func(r *http.Request) (int, any)) *recorder {
	t.Helper()
	rec := &recorder{respond: respond}
	rec.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		rec.mu.Unlock()

		status, payload := http.StatusOK, any(nil)
		if rec.respond != nil {
			status, payload = rec.respond(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if payload != nil {
			_ = json.NewEncoder(w).Encode(payload)
		}
	}))
	t.Cleanup(rec.Close)
	return rec
}

func (r *recorder) Requests() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

type testEnv struct {
	srv      *recorder
	sink     *logsink.Memory
	tokens   *token.Builder
	registry *Registry
	cell     tenant.Cell
	unitURL  string
}

func newTestEnv(t *testing.T, respond func(r *http.Request) (int, any)) *testEnv {
	t.Helper()
	srv := newRecorder(t, respond)
	tokens, err := token.NewBuilder([]byte("unit-secret-unit-secret-unit-sec"))
	require.NoError(t, err)

	sink := logsink.NewMemory()
	unitURL := srv.URL + "/"
	caller := NewCallerWithClient(srv.Client(), HTTPConfig{Timeout: 5 * time.Second}, nil)
	registry, err := NewRegistry(Deps{
		Sink:       sink,
		Caller:     caller,
		Tokens:     tokens,
		UnitURL:    unitURL,
		ScriptHost: ScriptHostConfig{URL: srv.URL + "/personium-engine"},
		Now:        func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	return &testEnv{
		srv:      srv,
		sink:     sink,
		tokens:   tokens,
		registry: registry,
		cell:     tenant.Cell{ID: "cid1", Name: "c1", URL: unitURL + "c1/"},
		unitURL:  unitURL,
	}
}

func (env *testEnv) action(t *testing.T, name string) Action {
	t.Helper()
	a, ok := env.registry.Lookup(name)
	require.True(t, ok, name)
	return a
}
