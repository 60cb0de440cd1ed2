package action

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personium/personium-core-sub028/bus"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/logsink"
	"github.com/personium/personium-core-sub028/token"
)

func TestRegistry_Names(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, []string{
		"exec", "log", "log.error", "log.info", "log.warn", "relay", "relay.data", "relay.event",
	}, env.registry.Names())

	_, ok := env.registry.Lookup("mail")
	assert.False(t, ok)
	assert.True(t, Known(NameRelayData))
	assert.False(t, Known("mail"))
}

func TestRegistry_WithoutCallerHasOnlyLogActions(t *testing.T) {
	reg, err := NewRegistry(Deps{Sink: logsink.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "log.error", "log.info", "log.warn"}, reg.Names())

	_, err = NewRegistry(Deps{})
	assert.True(t, errors.IsInvalid(err))
}

func TestLog_WritesOneLineAtItsLevel(t *testing.T) {
	env := newTestEnv(t, nil)
	e := &event.Event{
		External:   true,
		Type:       "odata.create",
		Object:     "personium-localcell:/box/odata/Ent('1')",
		Info:       "a,b",
		RequestKey: "rk",
		EventID:    "eid",
		RuleChain:  "1",
		Time:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
	}

	res := env.action(t, NameLogWarn).Execute(context.Background(), env.cell, Info{}, e)
	assert.Nil(t, res)

	recs := env.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "cid1", recs[0].CellID)
	assert.Equal(t, logsink.LevelWarn, recs[0].Level)
	assert.Equal(t,
		`2024-01-02T03:04:05.000Z,[WARN],rk,eid,1,,,true,,,odata.create,personium-localcell:/box/odata/Ent('1'),"a,b"`,
		recs[0].Line)
}

func TestParseExecService(t *testing.T) {
	cellURL := "https://unit/c1/"
	tests := []struct {
		name    string
		service string
		want    ExecTarget
		wantErr bool
	}{
		{"valid", "https://unit/c1/box/col/script", ExecTarget{"box", "col", "script"}, false},
		{"trailing slash", "https://unit/c1/box/col/script/", ExecTarget{"box", "col", "script"}, false},
		{"other cell", "https://unit/c2/box/col/script", ExecTarget{}, true},
		{"too short", "https://unit/c1/box/script", ExecTarget{}, true},
		{"too long", "https://unit/c1/box/col/x/script", ExecTarget{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExecService(cellURL, tt.service)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExec_PostsEventToScriptHost(t *testing.T) {
	env := newTestEnv(t, func(*http.Request) (int, any) { return http.StatusCreated, nil })
	e := &event.Event{Type: "t", Object: "o", RequestKey: "rk", EventID: "eid", Via: "v1"}
	info := Info{Action: NameExec, Service: env.cell.URL + "box1/col1/hello", EventID: "eid", RuleChain: "2"}

	res := env.action(t, NameExec).Execute(context.Background(), env.cell, info, e)
	require.NotNil(t, res)
	assert.Equal(t, "201", res.Info)
	assert.Equal(t, NameExec, res.Type)
	assert.Equal(t, info.Service, res.Object)
	assert.Equal(t, "2", res.RuleChain)
	assert.Equal(t, "", e.Info, "input event untouched")

	reqs := env.srv.Requests()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, "/personium-engine/c1/box1/service/hello", r.Path)
	assert.Equal(t, "box1", r.Header.Get(HeaderBox))
	assert.Equal(t, "col1", r.Header.Get(HeaderCollection))
	assert.Equal(t, env.cell.URL, r.Header.Get(HeaderCell))
	assert.Equal(t, "rk", r.Header.Get(bus.HeaderRequestKey))
	assert.Equal(t, "eid", r.Header.Get(bus.HeaderEventID))
	assert.Equal(t, "2", r.Header.Get(bus.HeaderRuleChain))
	assert.Equal(t, "v1", r.Header.Get(bus.HeaderVia))

	var posted event.Event
	require.NoError(t, json.Unmarshal(r.Body, &posted))
	assert.Equal(t, "o", posted.Object)
}

func TestExec_BadServiceYields404(t *testing.T) {
	env := newTestEnv(t, nil)
	info := Info{Action: NameExec, Service: "https://elsewhere/x"}
	res := env.action(t, NameExec).Execute(context.Background(), env.cell, info, &event.Event{})
	require.NotNil(t, res)
	assert.Equal(t, StatusTransportFailure, res.Info)
	assert.Empty(t, env.srv.Requests())
}

func TestHTTPActions_TransportFailureYields404(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.Close()

	for _, name := range []string{NameExec, NameRelay, NameRelayEvent} {
		t.Run(name, func(t *testing.T) {
			service := env.cell.URL + "box/col/name"
			if name == NameRelayEvent {
				service = env.unitURL + "c2/"
			}
			info := Info{Action: name, Service: service}
			res := env.action(t, name).Execute(context.Background(), env.cell, info, &event.Event{Type: "x"})
			require.NotNil(t, res)
			assert.Equal(t, StatusTransportFailure, res.Info)
		})
	}
}

func TestRelay_PostsTargetURL(t *testing.T) {
	env := newTestEnv(t, nil)
	info := Info{Action: NameRelay, Service: "https://other/c9/"}
	e := &event.Event{Type: "odata.update", Object: "obj"}

	res := env.action(t, NameRelay).Execute(context.Background(), env.cell, info, e)
	require.NotNil(t, res)
	assert.Equal(t, "200", res.Info)

	reqs := env.srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/personium-engine/c1/__/service/relay", reqs[0].Path)

	var body map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].Body, &body))
	assert.Equal(t, "https://other/c9/", body["TargetUrl"])
	assert.Equal(t, "odata.update", body["type"])
}

func TestRelayedType(t *testing.T) {
	tests := []struct {
		external bool
		in, want string
	}{
		{false, "odata.create", "relay.odata.create"},
		{true, "odata.create", "relay.ext.odata.create"},
		{false, "relay.odata.create", "relay.odata.create"},
		{true, "relay.ext.x", "relay.ext.x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RelayedType(&event.Event{External: tt.external, Type: tt.in}), tt.in)
	}
}

func TestRelayEvent_PostsToTargetEventEndpoint(t *testing.T) {
	env := newTestEnv(t, func(*http.Request) (int, any) { return http.StatusAccepted, nil })
	target := env.unitURL + "c2/"
	info := Info{Action: NameRelayEvent, Service: target, EventID: "eid", RuleChain: "1"}
	e := &event.Event{Type: "odata.create", Object: "o", Info: "i", Subject: env.cell.URL + "#me", Via: "https://x/c0/"}

	res := env.action(t, NameRelayEvent).Execute(context.Background(), env.cell, info, e)
	require.NotNil(t, res)
	assert.Equal(t, "202", res.Info)

	reqs := env.srv.Requests()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, "/c2/__event", r.Path)
	assert.Equal(t, "https://x/c0/,"+env.cell.URL, r.Header.Get(bus.HeaderVia))
	assert.JSONEq(t, `{"Type":"relay.odata.create","Object":"o","Info":"i"}`, string(r.Body))

	auth := r.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "Bearer "+token.PrefixTransCell), auth)
	claims, err := env.tokens.ParseTransCell(strings.TrimPrefix(auth, "Bearer "), target)
	require.NoError(t, err)
	assert.Equal(t, env.cell.URL+"#me", claims.Subject)
}

func TestRelayEvent_TargetOnViaChainNotRelayed(t *testing.T) {
	env := newTestEnv(t, func(*http.Request) (int, any) { return http.StatusAccepted, nil })
	tests := []struct {
		name    string
		service string
		via     string
	}{
		{"target relayed earlier", env.unitURL + "c2/", env.unitURL + "c2/," + env.unitURL + "c3/"},
		{"target without trailing slash", env.unitURL + "c2", env.unitURL + "c2/"},
		{"back into own cell", env.cell.URL, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Info{Action: NameRelayEvent, Service: tt.service, EventID: "eid", RuleChain: "2"}
			e := &event.Event{Type: "relay.odata.create", Object: "o", Via: tt.via}

			res := env.action(t, NameRelayEvent).Execute(context.Background(), env.cell, info, e)
			require.NotNil(t, res)
			assert.Equal(t, StatusLoopDetected, res.Info)
			assert.Equal(t, tt.service, res.Object)
			assert.Equal(t, "2", res.RuleChain)
		})
	}
	assert.Empty(t, env.srv.Requests())
}

func TestCellURLOf(t *testing.T) {
	assert.Equal(t, "https://u/c2/", cellURLOf("https://u/", "https://u/c2/box/odata/Ent"))
	assert.Equal(t, "https://c2.example/", cellURLOf("https://u/", "https://c2.example/box/odata"))
	assert.Equal(t, "", cellURLOf("https://u/", "not a url"))
}

func TestCaller_RateLimitPerCell(t *testing.T) {
	srv := newRecorder(t, nil)
	caller := NewCallerWithClient(srv.Client(),
		HTTPConfig{Timeout: 50 * time.Millisecond, RateLimit: 0.001, RateBurst: 1}, nil)
	req := Request{Method: http.MethodGet, URL: srv.URL}

	_, err := caller.Do(context.Background(), "c1", req)
	require.NoError(t, err)

	_, err = caller.Do(context.Background(), "c1", req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRateLimited)

	_, err = caller.Do(context.Background(), "c2", req)
	assert.NoError(t, err, "limits are per cell")
}

func TestHTTPConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultHTTPConfig().Validate())
	assert.Error(t, HTTPConfig{}.Validate())
	assert.Error(t, HTTPConfig{Timeout: time.Second, RateLimit: -1}.Validate())
}
