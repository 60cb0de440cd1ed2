package ruleindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/personium/personium-core-sub028/action"
	"github.com/personium/personium-core-sub028/entitystore"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/tenant"
)

// Judge matches an event against its cell's rules, dispatches the matched actions and
// re-publishes the event. It never fails; problems are logged.
func (i *Index) Judge(ctx context.Context, in *event.Event) {
	if in == nil || in.CellID == "" {
		return
	}
	cellID := in.CellID
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Judge panicked", "cell", cellID, "panic", fmt.Sprint(r))
			i.metrics.RecordError("ruleindex", "panic")
		}
	}()

	if i.lifecycle.Status(cellID) == tenant.StatusBulkDeletion {
		i.metrics.RecordJudged(metric.OutcomeSkipped, 0)
		return
	}
	i.lifecycle.Pin(cellID)
	defer i.lifecycle.Unpin(cellID)

	ev := in.Copy().WithEventID()
	ev.Stamp(i.now())

	cell, err := i.lookupCell(ctx, cellID)
	if err != nil {
		if errors.IsNotFound(err) {
			i.logger.Debug("Event for unknown cell not judged", "cell", cellID, "event_id", ev.EventID)
			i.publish(ctx, i.cfg.Topics.Events, ev)
			i.metrics.RecordJudged(metric.OutcomeSkipped, 0)
			return
		}
		i.logger.Warn("Cell lookup failed, judging without cell URL", "cell", cellID, "error", err)
	}

	hop := ev.Hop() + 1
	var infos []action.Info
	if hop <= i.cfg.MaxHops {
		infos = i.match(cell, ev, hop)
	} else {
		i.logger.Debug("Rule chain exhausted", "cell", cellID, "event_id", ev.EventID, "rule_chain", ev.RuleChain)
	}

	if cell.URL != "" {
		ev.Object = event.ResolveLocalCell(cell.URL, ev.Object)
	}

	for _, info := range infos {
		i.dispatcher.Submit(ctx, cell, info, ev)
	}

	i.publish(ctx, i.cfg.Topics.Events, ev)
	if !ev.External && event.IsAdministrative(ev.Type) {
		i.publish(ctx, i.cfg.Topics.Rules, ev)
	}

	switch {
	case hop > i.cfg.MaxHops:
		i.metrics.RecordJudged(metric.OutcomeSkipped, 0)
	case len(infos) > 0:
		i.metrics.RecordJudged(metric.OutcomeMatched, len(infos))
	default:
		i.metrics.RecordJudged(metric.OutcomeUnmatched, 0)
	}
}

func (i *Index) publish(ctx context.Context, topic string, e *event.Event) {
	if topic == "" || i.bus == nil {
		return
	}
	if err := i.bus.Publish(ctx, topic, e); err != nil {
		i.logger.Warn("Failed to re-publish event", "topic", topic, "event_id", e.EventID, "error", err)
		i.metrics.RecordError("ruleindex", errors.Classify(err).String())
	}
}

// match collects the actions of every rule of cell matching ev
func (i *Index) match(cell tenant.Cell, ev *event.Event, hop int) []action.Info {
	i.mu.Lock()
	defer i.mu.Unlock()

	var infos []action.Info
	for _, e := range i.rules[cell.ID] {
		var box *BoxInfo
		if e.boxID != "" {
			box = i.boxes[cell.ID][e.boxID]
		}
		if !Matches(e.rule, box, ev) {
			continue
		}
		boxName := ""
		if box != nil {
			boxName = box.Name
		}
		infos = append(infos, action.Info{
			Action:    e.rule.Action,
			Service:   event.ResolveService(i.cfg.UnitURL, cell.URL, event.LocalBoxToLocalCell(boxName, e.service)),
			EventID:   ev.EventID,
			RuleChain: event.FormatHop(hop),
		})
	}
	return infos
}

// Matches reports whether rule, scoped to box (nil for cell level rules), matches e.
// A rule without the external flag never matches.
func Matches(rule entitystore.Rule, box *BoxInfo, e *event.Event) bool {
	if rule.External == nil || *rule.External != e.External {
		return false
	}
	if rule.Type != "" && !strings.HasPrefix(e.Type, rule.Type) {
		return false
	}
	boxName := ""
	if box != nil {
		boxName = box.Name
		if box.Schema != "" && box.Schema != e.Schema {
			return false
		}
	}
	if rule.Subject != "" && rule.Subject != e.Subject {
		return false
	}
	if rule.Object != "" && !strings.HasPrefix(e.Object, event.LocalBoxToLocalCell(boxName, rule.Object)) {
		return false
	}
	if rule.Info != "" && rule.Info != e.Info {
		return false
	}
	return true
}
