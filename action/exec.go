package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/tenant"
	"github.com/personium/personium-core-sub028/token"
)

// Routing headers understood by the script host
const (
	HeaderBaseURL    = "X-Baseurl"
	HeaderRequestURI = "X-Request-Uri"
	HeaderCell       = "X-Personium-Cell"
	HeaderBox        = "X-Personium-Box"
	HeaderCollection = "X-Personium-Collection"
)

// MainBox is the box holding a cell's system scripts
const MainBox = "__"

// RelayScript is the system script run by the relay action
const RelayScript = "relay"

// ScriptHostConfig locates the script host
type ScriptHostConfig struct {
	URL string `json:"url" yaml:"url"`
}

// Validate checks the configuration for errors
func (c ScriptHostConfig) Validate() error {
	if c.URL == "" {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ScriptHostConfig", "Validate",
			"url must be absolute")
	}
	return nil
}

// scriptURL is <host>/<cell>/<box>/service/<name>
func (c ScriptHostConfig) scriptURL(cellName, box, name string) string {
	return strings.TrimSuffix(c.URL, "/") + "/" + url.PathEscape(cellName) + "/" +
		url.PathEscape(box) + "/service/" + url.PathEscape(name)
}

// ExecTarget is a service script addressed by an exec rule
type ExecTarget struct {
	Box        string
	Collection string
	Name       string
}

// ParseExecService splits <cellURL><box>/<collection>/<name>
func ParseExecService(cellURL, service string) (ExecTarget, error) {
	rest, ok := strings.CutPrefix(service, withSlash(cellURL))
	if !ok {
		return ExecTarget{}, errors.WrapInvalid(errors.ErrInvalidData, "Exec", "ParseExecService",
			fmt.Sprintf("service %q is outside cell %s", service, cellURL))
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ExecTarget{}, errors.WrapInvalid(errors.ErrInvalidData, "Exec", "ParseExecService",
			fmt.Sprintf("service %q is not <box>/<collection>/<name>", service))
	}
	return ExecTarget{Box: parts[0], Collection: parts[1], Name: parts[2]}, nil
}

type scriptAction struct {
	name       string
	caller     *Caller
	tokens     *token.Builder
	unitURL    string
	scriptHost ScriptHostConfig
	logger     *slog.Logger
}

func newScriptAction(name string, d Deps) scriptAction {
	return scriptAction{
		name:       name,
		caller:     d.Caller,
		tokens:     d.Tokens,
		unitURL:    d.UnitURL,
		scriptHost: d.ScriptHost,
		logger:     d.Logger.With("component", "action", "action", name),
	}
}

// post sends body to a script and returns the result Info
func (s scriptAction) post(ctx context.Context, cell tenant.Cell, info Info, e *event.Event,
	target, box, collection string, body any) string {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode script body", "cell", cell.ID, "error", err)
		return StatusTransportFailure
	}

	h := jsonHeaders(commonHeaders(info, e, e.Via))
	setIf(h, HeaderBaseURL, s.unitURL)
	setIf(h, HeaderRequestURI, info.Service)
	h.Set(HeaderCell, cell.URL)
	h.Set(HeaderBox, box)
	setIf(h, HeaderCollection, collection)
	if s.tokens != nil {
		setBearer(h, s.tokens.Build(cell.URL, cell.URL, firstNonEmpty(e.Subject, cell.URL), e.Schema,
			token.SplitRoles(e.Roles)))
	}

	status, _ := s.caller.call(ctx, cell.ID, s.name, Request{
		Method: http.MethodPost,
		URL:    target,
		Header: h,
		Body:   data,
	})
	return status
}

// Exec runs a box service script with the event as its body
type Exec struct {
	scriptAction
}

func newExec(d Deps) *Exec {
	return &Exec{scriptAction: newScriptAction(NameExec, d)}
}

// Execute implements Action
func (a *Exec) Execute(ctx context.Context, cell tenant.Cell, info Info, e *event.Event) *event.Event {
	target, err := ParseExecService(cell.URL, info.Service)
	if err != nil {
		a.logger.Warn("Cannot run exec action", "cell", cell.ID, "service", info.Service, "error", err)
		return result(a.name, info, e, info.Service, StatusTransportFailure)
	}
	status := a.post(ctx, cell, info, e,
		a.scriptHost.scriptURL(cell.Name, target.Box, target.Name), target.Box, target.Collection, e)
	return result(a.name, info, e, info.Service, status)
}

// Relay runs the cell's relay system script, which forwards the event to service
type Relay struct {
	scriptAction
}

func newRelay(d Deps) *Relay {
	return &Relay{scriptAction: newScriptAction(NameRelay, d)}
}

type relayBody struct {
	*event.Event
	TargetURL string `json:"TargetUrl"`
}

// Execute implements Action
func (a *Relay) Execute(ctx context.Context, cell tenant.Cell, info Info, e *event.Event) *event.Event {
	body := relayBody{Event: e, TargetURL: info.Service}
	status := a.post(ctx, cell, info, e,
		a.scriptHost.scriptURL(cell.Name, MainBox, RelayScript), MainBox, "", body)
	return result(a.name, info, e, info.Service, status)
}
