package action

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/logsink"
	"github.com/personium/personium-core-sub028/tenant"
	"github.com/personium/personium-core-sub028/token"
)

// Action names
const (
	NameLog        = "log"
	NameLogInfo    = "log.info"
	NameLogWarn    = "log.warn"
	NameLogError   = "log.error"
	NameExec       = "exec"
	NameRelay      = "relay"
	NameRelayEvent = "relay.event"
	NameRelayData  = "relay.data"
)

// StatusTransportFailure is the Info of a result event when the call did not complete
const StatusTransportFailure = "404"

// StatusLoopDetected is the Info of a relay.event result whose target cell is already on
// the event's via chain
const StatusLoopDetected = "508"

// InfoUnsupportedEvent is the Info of a relay.data result for events it cannot decode
const InfoUnsupportedEvent = "unsupported event"

// Info is a pending action produced by a rule match
type Info struct {
	Action  string
	Service string
	// EventID and RuleChain are the values computed while judging; RuleChain is already
	// incremented for this hop.
	EventID   string
	RuleChain string
}

// Action runs against one event of a cell and returns a result event, or nil when it is
// terminal. Implementations must not modify e.
type Action interface {
	Execute(ctx context.Context, cell tenant.Cell, info Info, e *event.Event) *event.Event
}

// Deps are the collaborators actions are built from
type Deps struct {
	Sink       logsink.Sink
	Caller     *Caller
	Tokens     *token.Builder
	UnitURL    string
	ScriptHost ScriptHostConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

// Factory builds one action from its dependencies
type Factory func(Deps) Action

var factories = map[string]Factory{
	NameLog:        func(d Deps) Action { return NewLog(logsink.LevelInfo, d.Sink, d.Now) },
	NameLogInfo:    func(d Deps) Action { return NewLog(logsink.LevelInfo, d.Sink, d.Now) },
	NameLogWarn:    func(d Deps) Action { return NewLog(logsink.LevelWarn, d.Sink, d.Now) },
	NameLogError:   func(d Deps) Action { return NewLog(logsink.LevelError, d.Sink, d.Now) },
	NameExec:       func(d Deps) Action { return newExec(d) },
	NameRelay:      func(d Deps) Action { return newRelay(d) },
	NameRelayEvent: func(d Deps) Action { return newRelayEvent(d) },
	NameRelayData:  func(d Deps) Action { return newRelayData(d) },
}

var httpActions = map[string]bool{
	NameExec:       true,
	NameRelay:      true,
	NameRelayEvent: true,
	NameRelayData:  true,
}

// Known reports whether name is an action this build can run
func Known(name string) bool {
	_, ok := factories[name]
	return ok
}

// Registry maps action names to built actions. It is read-only after NewRegistry.
type Registry struct {
	actions   map[string]Action
	resultLog *Log
}

// NewRegistry builds every action. HTTP actions are left out when deps has no Caller.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "NewRegistry", "log sink is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := &Registry{
		actions:   make(map[string]Action, len(factories)),
		resultLog: NewLog(logsink.LevelInfo, deps.Sink, deps.Now),
	}
	for name, factory := range factories {
		if httpActions[name] && deps.Caller == nil {
			continue
		}
		r.actions[name] = factory(deps)
	}
	return r, nil
}

// Lookup returns the action registered under name
func (r *Registry) Lookup(name string) (Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered names in order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResultLog is the INFO log action used for result events
func (r *Registry) ResultLog() *Log {
	return r.resultLog
}

// result builds the event an HTTP action returns. It keeps the request key, via and
// subject of the original so the log line can be traced back to it.
func result(name string, info Info, e *event.Event, service, status string) *event.Event {
	return e.Derive(func(r *event.Event) {
		r.External = false
		r.Type = name
		r.Object = service
		r.Info = status
		if info.EventID != "" {
			r.EventID = info.EventID
		}
		if info.RuleChain != "" {
			r.RuleChain = info.RuleChain
		}
	})
}

func statusInfo(code int) string {
	return strconv.Itoa(code)
}
