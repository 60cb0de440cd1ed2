package action

import (
	"context"
	"strconv"
	"time"

	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/logsink"
	"github.com/personium/personium-core-sub028/tenant"
)

const logTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Log writes events to the cell's event log at a fixed level
type Log struct {
	level logsink.Level
	sink  logsink.Sink
	now   func() time.Time
}

// NewLog creates a log action
func NewLog(level logsink.Level, sink logsink.Sink, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{level: level, sink: sink, now: now}
}

// Level returns the level lines are written at
func (l *Log) Level() logsink.Level {
	return l.level
}

// Execute writes one line for e. Log is terminal and always returns nil.
func (l *Log) Execute(_ context.Context, cell tenant.Cell, _ Info, e *event.Event) *event.Event {
	// The sink reports its own write failures; an event log line is never retried.
	_ = l.sink.Write(cell.ID, l.level, l.Fields(e))
	return nil
}

// WriteResult writes the line of an action result followed by the type and object of
// the event that triggered the action
func (l *Log) WriteResult(cell tenant.Cell, res, orig *event.Event) {
	_ = l.sink.Write(cell.ID, l.level, append(l.Fields(res), orig.Type, orig.Object))
}

// Fields returns the columns of e's log line
func (l *Log) Fields(e *event.Event) []string {
	ts := l.now()
	if e.Time > 0 {
		ts = time.UnixMilli(e.Time)
	}
	return []string{
		ts.UTC().Format(logTimeLayout),
		"[" + l.level.String() + "]",
		e.RequestKey,
		e.EventID,
		e.RuleChain,
		e.Via,
		e.Roles,
		strconv.FormatBool(e.External),
		e.Schema,
		e.Subject,
		e.Type,
		e.Object,
		e.Info,
	}
}
