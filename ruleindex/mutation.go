package ruleindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/tenant"
)

// Mutation results recorded in metrics
const (
	mutationApplied = "applied"
	mutationFailed  = "failed"
	mutationIgnored = "ignored"
	mutationPurged  = "purged"
)

// ApplyMutation updates the index from a rule or box mutation event. It returns false when
// the mutation could not be applied; unrelated event types are accepted as no-ops.
func (i *Index) ApplyMutation(ctx context.Context, e *event.Event) (ok bool) {
	if e == nil || e.CellID == "" {
		return false
	}
	cellID := e.CellID
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Mutation panicked", "cell", cellID, "type", e.Type, "panic", fmt.Sprint(r))
			i.metrics.RecordError("ruleindex", "panic")
			ok = false
		}
	}()

	cell, err := i.store.GetCell(ctx, cellID)
	if err != nil {
		if errors.IsNotFound(err) {
			i.Purge(cellID)
			i.metrics.RecordMutation(e.Type, mutationPurged)
			return true
		}
		i.logger.Warn("Cell lookup failed, mutation not applied", "cell", cellID, "type", e.Type, "error", err)
		i.metrics.RecordMutation(e.Type, mutationFailed)
		return false
	}
	if i.lifecycle.Status(cellID) == tenant.StatusBulkDeletion {
		i.metrics.RecordMutation(e.Type, mutationIgnored)
		return false
	}

	i.lifecycle.Pin(cellID)
	defer i.lifecycle.Unpin(cellID)
	i.rememberCell(*cell)

	applied, handled := i.apply(ctx, *cell, e)
	switch {
	case !handled:
		i.metrics.RecordMutation(e.Type, mutationIgnored)
	case applied:
		i.metrics.RecordMutation(e.Type, mutationApplied)
	default:
		i.metrics.RecordMutation(e.Type, mutationFailed)
	}
	return applied
}

// apply returns whether the mutation succeeded and whether its type is one the index acts on
func (i *Index) apply(ctx context.Context, cell tenant.Cell, e *event.Event) (applied, handled bool) {
	switch e.Type {
	case event.TypeRuleCreate:
		name, boxName, err := ParseRuleKey(e.Object)
		if err != nil {
			return i.malformed(cell, e, err), true
		}
		return i.fetchAndRegister(ctx, cell, boxName, name), true

	case event.TypeRuleUpdate, event.TypeRulePatch:
		oldName, oldBox, err := ParseRuleKey(e.Object)
		if err != nil {
			return i.malformed(cell, e, err), true
		}
		newName, newBox := oldName, oldBox
		if strings.TrimSpace(e.Info) != "" {
			if newName, newBox, err = ParseRuleKey(e.Info); err != nil {
				return i.malformed(cell, e, err), true
			}
		}
		i.Unregister(oldName, oldBox, cell)
		return i.fetchAndRegister(ctx, cell, newBox, newName), true

	case event.TypeRuleDelete:
		name, boxName, err := ParseRuleKey(e.Object)
		if err != nil {
			return i.malformed(cell, e, err), true
		}
		i.Unregister(name, boxName, cell)
		return true, true

	case event.TypeRuleLinksBoxCreate, event.TypeBoxLinksRuleCreate,
		event.TypeRuleNavPropBoxCreate, event.TypeBoxNavPropRuleCreate:
		name, boxName, err := linkedRule(e)
		if err != nil {
			return i.malformed(cell, e, err), true
		}
		i.Unregister(name, "", cell)
		return i.fetchAndRegister(ctx, cell, boxName, name), true

	case event.TypeRuleLinksBoxDelete, event.TypeBoxLinksRuleDelete:
		name, boxName, err := linkedRule(e)
		if err != nil {
			return i.malformed(cell, e, err), true
		}
		i.Unregister(name, boxName, cell)
		return i.fetchAndRegister(ctx, cell, "", name), true

	case event.TypeBoxUpdate, event.TypeBoxPatch:
		oldName, err := ParseBoxKey(e.Object)
		if err != nil {
			return i.malformed(cell, e, err), true
		}
		newName := oldName
		if strings.TrimSpace(e.Info) != "" {
			if newName, err = ParseBoxKey(e.Info); err != nil {
				return i.malformed(cell, e, err), true
			}
		}
		return i.refreshBox(ctx, cell, newName), true

	case event.TypeCellImport:
		i.Purge(cell.ID)
		if err := i.loadCell(ctx, cell); err != nil {
			i.logger.Error("Failed to reload cell after import", "cell", cell.ID, "error", err)
			return false, true
		}
		return true, true

	default:
		return true, false
	}
}

func (i *Index) malformed(cell tenant.Cell, e *event.Event, err error) bool {
	i.logger.Warn("Malformed key in mutation event",
		"cell", cell.ID, "type", e.Type, "object", e.Object, "info", e.Info, "error", err)
	return false
}

// linkedRule reads the rule and box of a link event. The rule key may sit in Info when
// Object only addresses the box.
func linkedRule(e *event.Event) (name, boxName string, err error) {
	path := e.Object
	if strings.Contains(e.Info, "(") {
		path += "/" + e.Info
	}
	name, boxName, err = ParseRuleKey(path)
	if err != nil {
		return "", "", err
	}
	if boxName == "" {
		return "", "", malformed(path, "no box in link")
	}
	return name, boxName, nil
}

func (i *Index) fetchAndRegister(ctx context.Context, cell tenant.Cell, boxName, name string) bool {
	rule, err := i.store.GetRule(ctx, cell.ID, boxName, name)
	if err != nil {
		i.logger.Warn("Rule not available", "cell", cell.ID, "box", boxName, "rule", name, "error", err)
		return false
	}
	return i.Register(ctx, *rule, cell)
}

// refreshBox copies the stored name and schema of a box onto its shared BoxInfo
func (i *Index) refreshBox(ctx context.Context, cell tenant.Cell, name string) bool {
	box, err := i.store.GetBoxByName(ctx, cell.ID, name)
	if err != nil {
		i.logger.Warn("Box not available", "cell", cell.ID, "box", name, "error", err)
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if bi, ok := i.boxes[cell.ID][box.ID]; ok {
		bi.Name = box.Name
		bi.Schema = box.Schema
	}
	return true
}
