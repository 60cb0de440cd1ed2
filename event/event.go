// Package event defines the unit of work flowing through the rule engine.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/personium/personium-core-sub028/errors"
)

// Event is one occurrence inside a cell. Events handed to an action are never modified;
// actions derive new events with Derive.
type Event struct {
	External   bool   `json:"external"`
	Schema     string `json:"schema,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Type       string `json:"type,omitempty"`
	Object     string `json:"object,omitempty"`
	Info       string `json:"info,omitempty"`
	RequestKey string `json:"requestKey,omitempty"`
	EventID    string `json:"eventId,omitempty"`
	RuleChain  string `json:"ruleChain,omitempty"`
	Via        string `json:"via,omitempty"`
	Roles      string `json:"roles,omitempty"`
	CellID     string `json:"cellId,omitempty"`
	Time       int64  `json:"time,omitempty"`
}

// Copy returns a shallow copy; all fields are values so the copy is independent
func (e *Event) Copy() *Event {
	c := *e
	return &c
}

// Derive returns a copy with fn applied to it
func (e *Event) Derive(fn func(*Event)) *Event {
	c := e.Copy()
	if fn != nil {
		fn(c)
	}
	return c
}

// WithEventID returns e itself when it already carries an id, otherwise a copy with a new one
func (e *Event) WithEventID() *Event {
	if e.EventID != "" {
		return e
	}
	return e.Derive(func(c *Event) { c.EventID = NewID() })
}

// Stamp fills Time with now when it is unset
func (e *Event) Stamp(now time.Time) {
	if e.Time == 0 {
		e.Time = now.UnixMilli()
	}
}

// Hop returns the current hop count. Absent or unparseable chains count as zero.
func (e *Event) Hop() int {
	return ParseHop(e.RuleChain)
}

// ParseHop decodes a string-encoded hop counter
func ParseHop(chain string) int {
	if chain == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(chain))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// FormatHop encodes a hop counter
func FormatHop(n int) string {
	return strconv.Itoa(n)
}

// AppendVia adds url to the comma separated via chain
func AppendVia(via, url string) string {
	if via == "" {
		return url
	}
	return via + "," + url
}

// ViaContains reports whether url is already part of the via chain
func ViaContains(via, url string) bool {
	for _, v := range strings.Split(via, ",") {
		if strings.TrimSpace(v) == url {
			return true
		}
	}
	return false
}

// NewID generates an event id
func NewID() string {
	return uuid.NewString()
}

// Marshal encodes the event in its bus wire form
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Event", "Marshal", "encode event")
	}
	return data, nil
}

// Unmarshal decodes a wire event. The external flag must be present.
func Unmarshal(data []byte) (*Event, error) {
	var probe struct {
		External *bool `json:"external"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.WrapInvalid(err, "Event", "Unmarshal", "decode event")
	}
	if probe.External == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Event", "Unmarshal", "external flag missing")
	}

	var e Event
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&e); err != nil {
		return nil, errors.WrapInvalid(err, "Event", "Unmarshal", "decode event")
	}
	return &e, nil
}

// String renders the identifying fields for logs
func (e *Event) String() string {
	return fmt.Sprintf("event{id=%s cell=%s external=%t type=%s object=%s chain=%s}",
		e.EventID, e.CellID, e.External, e.Type, e.Object, e.RuleChain)
}
