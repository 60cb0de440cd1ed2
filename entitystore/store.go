// Package entitystore is the engine's read view of the persisted cell, box and rule
// entities, with an in-memory implementation and one backed by JetStream KV buckets.
package entitystore

import (
	"context"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/tenant"
)

// Rule is a persisted rule entity
type Rule struct {
	Name string `json:"name"`
	// BoxName scopes the rule to a box; empty for cell level rules
	BoxName string `json:"boxName,omitempty"`
	// External is required for matching; a rule without it never matches
	External *bool  `json:"external,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Type     string `json:"type,omitempty"`
	Object   string `json:"object,omitempty"`
	Info     string `json:"info,omitempty"`
	Action   string `json:"action,omitempty"`
	Service  string `json:"service,omitempty"`
}

// Box is a persisted box entity
type Box struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Schema string `json:"schema,omitempty"`
}

// CellPage is one page of a cell listing. Next is empty on the last page.
type CellPage struct {
	Cells []tenant.Cell
	Next  string
}

// RulePage is one page of a cell's rules
type RulePage struct {
	Rules []Rule
	Next  string
}

// Store is the read surface the engine needs. Point lookups return an error satisfying
// errors.IsNotFound when the entity does not exist; any other error means the store could
// not answer.
type Store interface {
	ListCells(ctx context.Context, cursor string, limit int) (CellPage, error)
	ListRules(ctx context.Context, cellID, cursor string, limit int) (RulePage, error)
	GetCell(ctx context.Context, cellID string) (*tenant.Cell, error)
	GetRule(ctx context.Context, cellID, boxName, name string) (*Rule, error)
	GetBox(ctx context.Context, cellID, boxID string) (*Box, error)
	GetBoxByName(ctx context.Context, cellID, name string) (*Box, error)
}

// DefaultPageSize is used when a caller passes a non-positive limit
const DefaultPageSize = 100

// AllCells walks every page of ListCells
func AllCells(ctx context.Context, s Store, pageSize int) ([]tenant.Cell, error) {
	var (
		out    []tenant.Cell
		cursor string
	)
	for {
		page, err := s.ListCells(ctx, cursor, pageSize)
		if err != nil {
			return out, errors.Wrap(err, "entitystore", "AllCells", "list cells")
		}
		out = append(out, page.Cells...)
		if page.Next == "" {
			return out, nil
		}
		cursor = page.Next
	}
}

// AllRules walks every page of ListRules for one cell
func AllRules(ctx context.Context, s Store, cellID string, pageSize int) ([]Rule, error) {
	var (
		out    []Rule
		cursor string
	)
	for {
		page, err := s.ListRules(ctx, cellID, cursor, pageSize)
		if err != nil {
			return out, errors.Wrap(err, "entitystore", "AllRules", "list rules of "+cellID)
		}
		out = append(out, page.Rules...)
		if page.Next == "" {
			return out, nil
		}
		cursor = page.Next
	}
}

// BoolPtr is a convenience for building rules
func BoolPtr(b bool) *bool {
	return &b
}

// paginate returns the keys after cursor, at most limit of them, plus the next cursor.
// keys must be sorted.
func paginate(keys []string, cursor string, limit int) ([]string, string) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	start := 0
	if cursor != "" {
		for start < len(keys) && keys[start] <= cursor {
			start++
		}
	}
	end := start + limit
	if end >= len(keys) {
		return keys[start:], ""
	}
	return keys[start:end], keys[end-1]
}
