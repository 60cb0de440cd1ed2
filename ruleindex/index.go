// Package ruleindex keeps the in-memory index of every cell's rules, matches events
// against it and keeps it in step with the entity store through mutation events.
//
// One mutex guards the rule and box maps. Matching and mutation both take it, and nothing
// under it does I/O: store lookups happen before the lock, dispatch and publishing after.
package ruleindex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/personium/personium-core-sub028/action"
	"github.com/personium/personium-core-sub028/bus"
	"github.com/personium/personium-core-sub028/entitystore"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/metric"
	"github.com/personium/personium-core-sub028/tenant"
	"github.com/personium/personium-core-sub028/timer"
)

// DefaultMaxHops is the longest rule chain an event may start
const DefaultMaxHops = 3

// Dispatcher runs matched actions asynchronously
type Dispatcher interface {
	Submit(ctx context.Context, cell tenant.Cell, info action.Info, e *event.Event)
}

// Timers receives timer rules as they enter and leave the index
type Timers interface {
	Register(r timer.Rule) error
	Unregister(r timer.Rule)
	UnregisterCell(cellID string)
}

// Topics names the subjects judged events are re-published on
type Topics struct {
	Events string `json:"events" yaml:"events"`
	Rules  string `json:"rules" yaml:"rules"`
}

// Config configures the index
type Config struct {
	MaxHops  int    `json:"max_hops" yaml:"max_hops"`
	UnitURL  string `json:"-" yaml:"-"`
	Topics   Topics `json:"-" yaml:"-"`
	PageSize int    `json:"page_size" yaml:"page_size"`
}

// BoxInfo is the shared view of a box referenced by one or more rules
type BoxInfo struct {
	ID     string
	Name   string
	Schema string
	Refs   int
}

type ruleKey struct {
	name  string
	boxID string
}

type entry struct {
	rule  entitystore.Rule
	boxID string
	// service with personium-localunit: already resolved
	service string
}

// Index is the rule index. Construct it with New.
type Index struct {
	store      entitystore.Store
	lifecycle  tenant.Lifecycle
	dispatcher Dispatcher
	bus        bus.Bus
	timers     Timers
	cfg        Config
	logger     *slog.Logger
	metrics    *metric.Metrics
	now        func() time.Time

	mu    sync.Mutex
	rules map[string]map[ruleKey]*entry
	boxes map[string]map[string]*BoxInfo
	cells map[string]tenant.Cell
}

// Option configures an Index
type Option func(*Index)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithMetrics records judge and mutation outcomes
func WithMetrics(m *metric.Metrics) Option {
	return func(i *Index) {
		i.metrics = m
	}
}

// WithClock replaces time.Now for stamping judged events
func WithClock(now func() time.Time) Option {
	return func(i *Index) {
		if now != nil {
			i.now = now
		}
	}
}

// WithTimers forwards timer rules to a scheduler
func WithTimers(t Timers) Option {
	return func(i *Index) {
		i.timers = t
	}
}

// New creates an empty index
func New(store entitystore.Store, lifecycle tenant.Lifecycle, dispatcher Dispatcher, b bus.Bus,
	cfg Config, opts ...Option) *Index {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = entitystore.DefaultPageSize
	}
	i := &Index{
		store:      store,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
		bus:        b,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		rules:      make(map[string]map[ruleKey]*entry),
		boxes:      make(map[string]map[string]*BoxInfo),
		cells:      make(map[string]tenant.Cell),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "ruleindex")
	return i
}

// SetTimers attaches the timer scheduler. The scheduler resolves box schemas through the
// index, so it is usually created after it.
func (i *Index) SetTimers(t Timers) {
	i.timers = t
}

// Load registers the rules of every cell. A cell that fails to load is logged and skipped.
func (i *Index) Load(ctx context.Context) error {
	cells, err := entitystore.AllCells(ctx, i.store, i.cfg.PageSize)
	if err != nil {
		return errors.WrapTransient(err, "Index", "Load", "list cells")
	}

	var failed int
	for _, cell := range cells {
		if err := i.loadCell(ctx, cell); err != nil {
			failed++
			i.logger.Error("Failed to load cell rules", "cell", cell.ID, "error", err)
		}
	}

	rules, boxes := i.Size()
	i.logger.Info("Rule index loaded", "cells", len(cells), "failed", failed, "rules", rules, "boxes", boxes)
	return nil
}

func (i *Index) loadCell(ctx context.Context, cell tenant.Cell) error {
	rules, err := entitystore.AllRules(ctx, i.store, cell.ID, i.cfg.PageSize)
	if err != nil {
		return err
	}
	i.rememberCell(cell)
	registered := 0
	for _, r := range rules {
		if i.Register(ctx, r, cell) {
			registered++
		}
	}
	i.logger.Debug("Cell rules loaded", "cell", cell.ID, "rules", len(rules), "registered", registered)
	return nil
}

func (i *Index) rememberCell(cell tenant.Cell) {
	i.mu.Lock()
	i.cells[cell.ID] = cell
	i.mu.Unlock()
}

// Register adds or replaces a rule of cell. It returns false when the rule has no action
// or names a box the cell does not have.
func (i *Index) Register(ctx context.Context, rule entitystore.Rule, cell tenant.Cell) bool {
	if rule.Action == "" {
		i.logger.Debug("Rule without action ignored", "cell", cell.ID, "rule", rule.Name)
		return false
	}
	if !action.Known(rule.Action) {
		i.logger.Warn("Rule names an unknown action; matches will be dropped",
			"cell", cell.ID, "rule", rule.Name, "action", rule.Action)
	}

	var box *entitystore.Box
	if rule.BoxName != "" {
		b, err := i.store.GetBoxByName(ctx, cell.ID, rule.BoxName)
		if err != nil {
			i.logger.Warn("Rule box not available, rule not registered",
				"cell", cell.ID, "rule", rule.Name, "box", rule.BoxName, "error", err)
			return false
		}
		box = b
	}

	e := &entry{rule: rule, service: event.ResolveLocalUnit(i.cfg.UnitURL, rule.Service)}
	if box != nil {
		e.boxID = box.ID
	}
	key := ruleKey{name: rule.Name, boxID: e.boxID}

	i.mu.Lock()
	i.cells[cell.ID] = cell
	rules := i.rules[cell.ID]
	if rules == nil {
		rules = make(map[ruleKey]*entry)
		i.rules[cell.ID] = rules
	}
	old := rules[key]
	if old != nil {
		i.releaseLocked(cell.ID, old)
	}
	if box != nil {
		boxes := i.boxes[cell.ID]
		if boxes == nil {
			boxes = make(map[string]*BoxInfo)
			i.boxes[cell.ID] = boxes
		}
		bi := boxes[box.ID]
		if bi == nil {
			bi = &BoxInfo{ID: box.ID, Name: box.Name, Schema: box.Schema}
			boxes[box.ID] = bi
		}
		bi.Refs++
	}
	rules[key] = e
	i.recordSizeLocked()
	i.mu.Unlock()

	if old != nil {
		i.untime(cell.ID, old)
	}
	i.time(cell.ID, e)
	return true
}

// Unregister removes a rule by name and box name. It returns whether a rule was removed.
func (i *Index) Unregister(ruleName, boxName string, cell tenant.Cell) bool {
	i.mu.Lock()
	var boxID string
	if boxName != "" {
		for id, bi := range i.boxes[cell.ID] {
			if bi.Name == boxName {
				boxID = id
				break
			}
		}
		if boxID == "" {
			i.mu.Unlock()
			return false
		}
	}
	key := ruleKey{name: ruleName, boxID: boxID}
	e, ok := i.rules[cell.ID][key]
	if ok {
		delete(i.rules[cell.ID], key)
		if len(i.rules[cell.ID]) == 0 {
			delete(i.rules, cell.ID)
		}
		i.releaseLocked(cell.ID, e)
		i.recordSizeLocked()
	}
	i.mu.Unlock()

	if ok {
		i.untime(cell.ID, e)
	}
	return ok
}

// releaseLocked drops e's reference on its box
func (i *Index) releaseLocked(cellID string, e *entry) {
	if e.boxID == "" {
		return
	}
	boxes := i.boxes[cellID]
	bi, ok := boxes[e.boxID]
	if !ok {
		return
	}
	bi.Refs--
	if bi.Refs <= 0 {
		delete(boxes, e.boxID)
		if len(boxes) == 0 {
			delete(i.boxes, cellID)
		}
	}
}

// Purge drops everything indexed for a cell
func (i *Index) Purge(cellID string) {
	i.mu.Lock()
	delete(i.rules, cellID)
	delete(i.boxes, cellID)
	delete(i.cells, cellID)
	i.recordSizeLocked()
	i.mu.Unlock()

	if i.timers != nil {
		i.timers.UnregisterCell(cellID)
	}
}

func timerRule(cellID string, e *entry) (timer.Rule, bool) {
	if !event.IsTimer(e.rule.Type) {
		return timer.Rule{}, false
	}
	return timer.Rule{
		CellID:  cellID,
		BoxID:   e.boxID,
		Subject: e.rule.Subject,
		Type:    e.rule.Type,
		Object:  e.rule.Object,
		Info:    e.rule.Info,
	}, true
}

func (i *Index) time(cellID string, e *entry) {
	if i.timers == nil {
		return
	}
	if r, ok := timerRule(cellID, e); ok {
		if err := i.timers.Register(r); err != nil {
			i.logger.Warn("Timer rule not scheduled", "cell", cellID, "rule", e.rule.Name, "error", err)
		}
	}
}

func (i *Index) untime(cellID string, e *entry) {
	if i.timers == nil {
		return
	}
	if r, ok := timerRule(cellID, e); ok {
		i.timers.Unregister(r)
	}
}

func (i *Index) recordSizeLocked() {
	if i.metrics == nil {
		return
	}
	rules, boxes := 0, 0
	for _, m := range i.rules {
		rules += len(m)
	}
	for _, m := range i.boxes {
		boxes += len(m)
	}
	i.metrics.SetIndexSize(rules, boxes)
}

// Size returns the number of indexed rules and boxes
func (i *Index) Size() (rules, boxes int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, m := range i.rules {
		rules += len(m)
	}
	for _, m := range i.boxes {
		boxes += len(m)
	}
	return rules, boxes
}

// Box returns the indexed box of a cell
func (i *Index) Box(cellID, boxID string) (BoxInfo, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	bi, ok := i.boxes[cellID][boxID]
	if !ok {
		return BoxInfo{}, false
	}
	return *bi, true
}

// BoxSchema implements timer.SchemaResolver
func (i *Index) BoxSchema(cellID, boxID string) string {
	bi, _ := i.Box(cellID, boxID)
	return bi.Schema
}

// Rules returns a copy of a cell's rules ordered by box name then rule name. BoxName
// reflects the box's current name and Service has local unit URLs resolved.
func (i *Index) Rules(cellID string) []entitystore.Rule {
	i.mu.Lock()
	out := make([]entitystore.Rule, 0, len(i.rules[cellID]))
	for _, e := range i.rules[cellID] {
		r := e.rule
		r.BoxName = ""
		if bi, ok := i.boxes[cellID][e.boxID]; ok {
			r.BoxName = bi.Name
		}
		r.Service = e.service
		out = append(out, r)
	}
	i.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].BoxName != out[b].BoxName {
			return out[a].BoxName < out[b].BoxName
		}
		return out[a].Name < out[b].Name
	})
	return out
}

func (i *Index) String() string {
	rules, boxes := i.Size()
	return fmt.Sprintf("ruleindex{rules=%d boxes=%d}", rules, boxes)
}

// lookupCell prefers the indexed cell and falls back to the store
func (i *Index) lookupCell(ctx context.Context, cellID string) (tenant.Cell, error) {
	i.mu.Lock()
	cell, ok := i.cells[cellID]
	i.mu.Unlock()
	if ok {
		return cell, nil
	}
	c, err := i.store.GetCell(ctx, cellID)
	if err != nil {
		return tenant.Cell{ID: cellID}, err
	}
	return *c, nil
}
