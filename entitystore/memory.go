package entitystore

import (
	"context"
	"sort"
	"sync"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/tenant"
)

// Memory is an in-process Store used by tests and single-node tools
type Memory struct {
	mu    sync.RWMutex
	cells map[string]tenant.Cell
	boxes map[string]map[string]Box  // cellID -> boxID -> box
	rules map[string]map[string]Rule // cellID -> ruleKey -> rule
	err   error
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		cells: make(map[string]tenant.Cell),
		boxes: make(map[string]map[string]Box),
		rules: make(map[string]map[string]Rule),
	}
}

func ruleKey(boxName, name string) string {
	return boxName + "\x00" + name
}

// PutCell adds or replaces a cell
func (m *Memory) PutCell(c tenant.Cell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cells[c.ID] = c
}

// DeleteCell removes a cell and everything it owns
func (m *Memory) DeleteCell(cellID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cells, cellID)
	delete(m.boxes, cellID)
	delete(m.rules, cellID)
}

// PutBox adds or replaces a box
func (m *Memory) PutBox(cellID string, b Box) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.boxes[cellID] == nil {
		m.boxes[cellID] = make(map[string]Box)
	}
	m.boxes[cellID][b.ID] = b
}

// PutRule adds or replaces a rule
func (m *Memory) PutRule(cellID string, r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rules[cellID] == nil {
		m.rules[cellID] = make(map[string]Rule)
	}
	m.rules[cellID][ruleKey(r.BoxName, r.Name)] = r
}

// DeleteRule removes a rule
func (m *Memory) DeleteRule(cellID, boxName, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules[cellID], ruleKey(boxName, name))
}

// FailWith makes every call return err until cleared with nil
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// ListCells implements Store
func (m *Memory) ListCells(_ context.Context, cursor string, limit int) (CellPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return CellPage{}, m.err
	}

	ids := make([]string, 0, len(m.cells))
	for id := range m.cells {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	keys, next := paginate(ids, cursor, limit)
	page := CellPage{Cells: make([]tenant.Cell, 0, len(keys)), Next: next}
	for _, id := range keys {
		page.Cells = append(page.Cells, m.cells[id])
	}
	return page, nil
}

// ListRules implements Store
func (m *Memory) ListRules(_ context.Context, cellID, cursor string, limit int) (RulePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return RulePage{}, m.err
	}
	if _, ok := m.cells[cellID]; !ok {
		return RulePage{}, errors.ErrCellNotFound
	}

	rules := m.rules[cellID]
	ids := make([]string, 0, len(rules))
	for k := range rules {
		ids = append(ids, k)
	}
	sort.Strings(ids)

	keys, next := paginate(ids, cursor, limit)
	page := RulePage{Rules: make([]Rule, 0, len(keys)), Next: next}
	for _, k := range keys {
		page.Rules = append(page.Rules, rules[k])
	}
	return page, nil
}

// GetCell implements Store
func (m *Memory) GetCell(_ context.Context, cellID string) (*tenant.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.cells[cellID]
	if !ok {
		return nil, errors.ErrCellNotFound
	}
	return &c, nil
}

// GetRule implements Store
func (m *Memory) GetRule(_ context.Context, cellID, boxName, name string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.rules[cellID][ruleKey(boxName, name)]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return &r, nil
}

// GetBox implements Store
func (m *Memory) GetBox(_ context.Context, cellID, boxID string) (*Box, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.boxes[cellID][boxID]
	if !ok {
		return nil, errors.ErrBoxNotFound
	}
	return &b, nil
}

// GetBoxByName implements Store
func (m *Memory) GetBoxByName(_ context.Context, cellID, name string) (*Box, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, b := range m.boxes[cellID] {
		if b.Name == name {
			b := b
			return &b, nil
		}
	}
	return nil, errors.ErrBoxNotFound
}
