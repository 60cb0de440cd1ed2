package entitystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/natsclient"
	"github.com/personium/personium-core-sub028/tenant"
)

// Buckets names the three KV buckets
type Buckets struct {
	Cells string `json:"cells" yaml:"cells"`
	Boxes string `json:"boxes" yaml:"boxes"`
	Rules string `json:"rules" yaml:"rules"`
}

// DefaultBuckets returns the standard bucket names
func DefaultBuckets() Buckets {
	return Buckets{Cells: "personium_cells", Boxes: "personium_boxes", Rules: "personium_rules"}
}

// KV is a Store over JetStream KV buckets. Keys are dot-joined base64url segments:
// cells are keyed by cell id, boxes by cell.box and rules by cell.boxName.ruleName.
type KV struct {
	cells *natsclient.KVStore
	boxes *natsclient.KVStore
	rules *natsclient.KVStore
}

// NewKV opens (creating when missing) the buckets
func NewKV(ctx context.Context, client *natsclient.Client, buckets Buckets) (*KV, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "entitystore", "NewKV", "nats client cannot be nil")
	}

	open := func(name, desc string) (*natsclient.KVStore, error) {
		b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: desc,
			History:     5,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "entitystore", "NewKV", "open bucket "+name)
		}
		return client.NewKVStore(b), nil
	}

	cells, err := open(buckets.Cells, "Cell entities")
	if err != nil {
		return nil, err
	}
	boxes, err := open(buckets.Boxes, "Box entities")
	if err != nil {
		return nil, err
	}
	rules, err := open(buckets.Rules, "Rule entities")
	if err != nil {
		return nil, err
	}
	return &KV{cells: cells, boxes: boxes, rules: rules}, nil
}

// NewKVFromStores builds a KV over already opened buckets
func NewKVFromStores(cells, boxes, rules *natsclient.KVStore) *KV {
	return &KV{cells: cells, boxes: boxes, rules: rules}
}

// emptySegment stands for an empty key part; RawURLEncoding never emits '='
const emptySegment = "="

func encodeSegment(s string) string {
	if s == "" {
		return emptySegment
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeSegment(s string) (string, error) {
	if s == emptySegment {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func joinKey(parts ...string) string {
	enc := make([]string, len(parts))
	for i, p := range parts {
		enc[i] = encodeSegment(p)
	}
	return strings.Join(enc, ".")
}

func prefixedKeys(ctx context.Context, kv *natsclient.KVStore, prefix string) ([]string, error) {
	all, err := kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, k := range all {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func getJSON[T any](ctx context.Context, kv *natsclient.KVStore, key string, notFound error, method string) (*T, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, notFound
		}
		return nil, errors.WrapTransient(err, "entitystore", method, "get "+key)
	}
	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, errors.WrapInvalid(err, "entitystore", method, "decode "+key)
	}
	return &v, nil
}

func putJSON(ctx context.Context, kv *natsclient.KVStore, key string, v any, method string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "entitystore", method, "encode")
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "entitystore", method, "put "+key)
	}
	return nil
}

// ListCells implements Store
func (s *KV) ListCells(ctx context.Context, cursor string, limit int) (CellPage, error) {
	keys, err := prefixedKeys(ctx, s.cells, "")
	if err != nil {
		return CellPage{}, errors.WrapTransient(err, "entitystore", "ListCells", "list keys")
	}

	page, next := paginate(keys, cursor, limit)
	out := CellPage{Cells: make([]tenant.Cell, 0, len(page)), Next: next}
	for _, k := range page {
		c, err := getJSON[tenant.Cell](ctx, s.cells, k, nil, "ListCells")
		if err != nil {
			return CellPage{}, err
		}
		if c == nil {
			// removed between listing and reading
			continue
		}
		out.Cells = append(out.Cells, *c)
	}
	return out, nil
}

// ListRules implements Store
func (s *KV) ListRules(ctx context.Context, cellID, cursor string, limit int) (RulePage, error) {
	if _, err := s.GetCell(ctx, cellID); err != nil {
		return RulePage{}, err
	}

	keys, err := prefixedKeys(ctx, s.rules, encodeSegment(cellID)+".")
	if err != nil {
		return RulePage{}, errors.WrapTransient(err, "entitystore", "ListRules", "list keys")
	}

	page, next := paginate(keys, cursor, limit)
	out := RulePage{Rules: make([]Rule, 0, len(page)), Next: next}
	for _, k := range page {
		r, err := getJSON[Rule](ctx, s.rules, k, nil, "ListRules")
		if err != nil {
			return RulePage{}, err
		}
		if r == nil {
			continue
		}
		out.Rules = append(out.Rules, *r)
	}
	return out, nil
}

// GetCell implements Store
func (s *KV) GetCell(ctx context.Context, cellID string) (*tenant.Cell, error) {
	return getJSON[tenant.Cell](ctx, s.cells, joinKey(cellID), errors.ErrCellNotFound, "GetCell")
}

// GetRule implements Store
func (s *KV) GetRule(ctx context.Context, cellID, boxName, name string) (*Rule, error) {
	return getJSON[Rule](ctx, s.rules, joinKey(cellID, boxName, name), errors.ErrNotFound, "GetRule")
}

// GetBox implements Store
func (s *KV) GetBox(ctx context.Context, cellID, boxID string) (*Box, error) {
	return getJSON[Box](ctx, s.boxes, joinKey(cellID, boxID), errors.ErrBoxNotFound, "GetBox")
}

// GetBoxByName implements Store
func (s *KV) GetBoxByName(ctx context.Context, cellID, name string) (*Box, error) {
	keys, err := prefixedKeys(ctx, s.boxes, encodeSegment(cellID)+".")
	if err != nil {
		return nil, errors.WrapTransient(err, "entitystore", "GetBoxByName", "list keys")
	}
	for _, k := range keys {
		b, err := getJSON[Box](ctx, s.boxes, k, nil, "GetBoxByName")
		if err != nil {
			return nil, err
		}
		if b != nil && b.Name == name {
			return b, nil
		}
	}
	return nil, errors.ErrBoxNotFound
}

// PutCell stores a cell
func (s *KV) PutCell(ctx context.Context, c tenant.Cell) error {
	if c.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "entitystore", "PutCell", "cell id cannot be empty")
	}
	return putJSON(ctx, s.cells, joinKey(c.ID), c, "PutCell")
}

// PutBox stores a box of cellID
func (s *KV) PutBox(ctx context.Context, cellID string, b Box) error {
	if b.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "entitystore", "PutBox", "box id cannot be empty")
	}
	return putJSON(ctx, s.boxes, joinKey(cellID, b.ID), b, "PutBox")
}

// PutRule stores a rule of cellID
func (s *KV) PutRule(ctx context.Context, cellID string, r Rule) error {
	if r.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "entitystore", "PutRule", "rule name cannot be empty")
	}
	return putJSON(ctx, s.rules, joinKey(cellID, r.BoxName, r.Name), r, "PutRule")
}

// DeleteRule removes a rule. Removing a missing rule is not an error.
func (s *KV) DeleteRule(ctx context.Context, cellID, boxName, name string) error {
	err := s.rules.Delete(ctx, joinKey(cellID, boxName, name))
	if err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "entitystore", "DeleteRule", "delete rule")
	}
	return nil
}

// DeleteCell removes a cell record. Boxes and rules are left to their own deletes.
func (s *KV) DeleteCell(ctx context.Context, cellID string) error {
	err := s.cells.Delete(ctx, joinKey(cellID))
	if err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "entitystore", "DeleteCell", fmt.Sprintf("delete cell %s", cellID))
	}
	return nil
}
