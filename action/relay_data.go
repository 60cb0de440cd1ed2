package action

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/tenant"
	"github.com/personium/personium-core-sub028/token"
)

// Entity fields written by the store that the destination assigns itself
var reservedFields = []string{"__metadata", "__published", "__updated"}

// IDField carries an OData entity's key
const IDField = "__id"

var entityKeyPattern = regexp.MustCompile(`^(.+)\(([^()]*)\)$`)

// DataOp is a decoded relay.data request
type DataOp struct {
	Create    bool
	SourceURL string
	SourceID  string
	TargetID  string
}

// ParseDataOp decodes the event a relay.data rule fired on. Object addresses the source
// entity as <collection>/<EntitySet>('<id>') and Info holds the id the copy gets.
func ParseDataOp(cellURL string, e *event.Event) (DataOp, error) {
	var op DataOp
	switch {
	case event.IsCreate(e.Type):
		op.Create = true
	case event.IsUpdate(e.Type):
	default:
		return op, errors.WrapInvalid(errors.ErrUnsupportedType, "RelayData", "ParseDataOp", e.Type)
	}

	object := event.ResolveLocalCell(cellURL, e.Object)
	m := entityKeyPattern.FindStringSubmatch(object)
	if m == nil {
		return op, errors.WrapInvalid(errors.ErrMalformedKey, "RelayData", "ParseDataOp", "parse object")
	}
	op.SourceURL = object
	op.SourceID = unquoteKey(m[2])
	op.TargetID = unquoteKey(e.Info)
	if op.SourceID == "" || op.TargetID == "" {
		return op, errors.WrapInvalid(errors.ErrMalformedKey, "RelayData", "ParseDataOp", "read entity ids")
	}
	if !strings.Contains(op.SourceURL, "://") {
		return op, errors.WrapInvalid(errors.ErrMalformedKey, "RelayData", "ParseDataOp", "resolve object url")
	}
	return op, nil
}

// unquoteKey accepts 'id', id and ('id')
func unquoteKey(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

func quoteKey(id string) string {
	return "('" + url.PathEscape(strings.ReplaceAll(id, "'", "''")) + "')"
}

// RelayData copies an entity of this cell to the collection named by service
type RelayData struct {
	caller  *Caller
	tokens  *token.Builder
	unitURL string
	logger  *slog.Logger
}

func newRelayData(d Deps) *RelayData {
	return &RelayData{
		caller:  d.Caller,
		tokens:  d.Tokens,
		unitURL: d.UnitURL,
		logger:  d.Logger.With("component", "action", "action", NameRelayData),
	}
}

// Execute implements Action
func (a *RelayData) Execute(ctx context.Context, cell tenant.Cell, info Info, e *event.Event) *event.Event {
	op, err := ParseDataOp(cell.URL, e)
	if err != nil {
		a.logger.Info("Unsupported relay.data event", "cell", cell.ID, "type", e.Type, "object", e.Object, "error", err)
		return result(NameRelayData, info, e, info.Service, InfoUnsupportedEvent)
	}

	subject := firstNonEmpty(e.Subject, cell.URL)
	roles := token.SplitRoles(e.Roles)

	readHeader := commonHeaders(info, e, e.Via)
	readHeader.Set("Accept", "application/json")
	if a.tokens != nil {
		setBearer(readHeader, a.tokens.Build(cell.URL, cell.URL, subject, e.Schema, roles))
	}
	status, resp := a.caller.call(ctx, cell.ID, NameRelayData, Request{
		Method: http.MethodGet,
		URL:    op.SourceURL,
		Header: readHeader,
	})
	if resp == nil || resp.StatusCode >= 300 {
		return result(NameRelayData, info, e, info.Service, status)
	}

	body, err := copyEntity(resp.Body, op.TargetID)
	if err != nil {
		a.logger.Warn("Source entity is not an OData entry", "cell", cell.ID, "url", op.SourceURL, "error", err)
		return result(NameRelayData, info, e, info.Service, StatusTransportFailure)
	}

	writeHeader := jsonHeaders(commonHeaders(info, e, e.Via))
	if a.tokens != nil {
		targetCell := firstNonEmpty(cellURLOf(a.unitURL, info.Service), cell.URL)
		setBearer(writeHeader, a.tokens.Build(cell.URL, targetCell, subject, e.Schema, roles))
	}
	req := Request{Method: http.MethodPost, URL: info.Service, Header: writeHeader, Body: body}
	if !op.Create {
		req.Method = http.MethodPut
		req.URL = strings.TrimSuffix(info.Service, "/") + quoteKey(op.TargetID)
		writeHeader.Set("If-Match", "*")
	}
	status, _ = a.caller.call(ctx, cell.ID, NameRelayData, req)
	return result(NameRelayData, info, e, info.Service, status)
}

// copyEntity strips store managed fields from an entity body and assigns id
func copyEntity(data []byte, id string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "RelayData", "copyEntity", "decode entity")
	}
	// OData v2 wraps single entries as {"d":{"results":{...}}}
	if d, ok := doc["d"].(map[string]any); ok {
		if results, ok := d["results"].(map[string]any); ok {
			doc = results
		}
	}
	for _, f := range reservedFields {
		delete(doc, f)
	}
	doc[IDField] = id

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RelayData", "copyEntity", "encode entity")
	}
	return out, nil
}
