package action

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/tenant"
	"github.com/personium/personium-core-sub028/token"
)

// EventEndpoint is appended to a cell URL to reach its event intake
const EventEndpoint = "__event"

// RelayEvent posts the event to another cell's event intake
type RelayEvent struct {
	caller  *Caller
	tokens  *token.Builder
	unitURL string
	logger  *slog.Logger
}

func newRelayEvent(d Deps) *RelayEvent {
	return &RelayEvent{
		caller:  d.Caller,
		tokens:  d.Tokens,
		unitURL: d.UnitURL,
		logger:  d.Logger.With("component", "action", "action", NameRelayEvent),
	}
}

type relayedEvent struct {
	Type   string `json:"Type"`
	Object string `json:"Object"`
	Info   string `json:"Info"`
}

// RelayedType is the type an event arrives with at the target cell
func RelayedType(e *event.Event) string {
	t := e.Type
	if strings.HasPrefix(t, event.RelayPrefix) {
		// already relayed once; keep a single prefix
		t = strings.TrimPrefix(strings.TrimPrefix(t, event.RelayExternalPrefix), event.RelayPrefix)
	}
	if e.External {
		return event.RelayExternalPrefix + t
	}
	return event.RelayPrefix + t
}

// Execute implements Action
func (a *RelayEvent) Execute(ctx context.Context, cell tenant.Cell, info Info, e *event.Event) *event.Event {
	target := withSlash(info.Service) + EventEndpoint
	targetCell := firstNonEmpty(cellURLOf(a.unitURL, info.Service), info.Service)
	via := event.AppendVia(e.Via, cell.URL)
	if event.ViaContains(via, withSlash(targetCell)) {
		a.logger.Warn("Event already passed through target cell, not relayed",
			"cell", cell.ID, "target", targetCell, "event_id", e.EventID, "via", via)
		return result(NameRelayEvent, info, e, info.Service, StatusLoopDetected)
	}

	body, err := json.Marshal(relayedEvent{Type: RelayedType(e), Object: e.Object, Info: e.Info})
	if err != nil {
		a.logger.Error("Failed to encode relayed event", "cell", cell.ID, "error", err)
		return result(NameRelayEvent, info, e, info.Service, StatusTransportFailure)
	}

	h := jsonHeaders(commonHeaders(info, e, via))
	if a.tokens != nil {
		setBearer(h, a.tokens.Build(cell.URL, targetCell, firstNonEmpty(e.Subject, cell.URL), e.Schema,
			token.SplitRoles(e.Roles)))
	}

	status, _ := a.caller.call(ctx, cell.ID, NameRelayEvent, Request{
		Method: http.MethodPost,
		URL:    target,
		Header: h,
		Body:   body,
	})
	return result(NameRelayEvent, info, e, info.Service, status)
}
