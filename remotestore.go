package habitkit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Document is a schemaless JSON-like remote document.
type Document map[string]any

// Clone returns a shallow-value deep copy of the document. Nested maps and
// slices are copied one level deep, which covers every payload shape the
// sync layer produces (entities are marshaled to flat JSON trees).
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		switch vv := v.(type) {
		case map[string]any:
			inner := make(map[string]any, len(vv))
			for ik, iv := range vv {
				inner[ik] = iv
			}
			out[k] = inner
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// Increment is a sentinel payload value applied atomically by the remote
// store: the stored field becomes its previous numeric value plus N.
// Version counters are written with Increment(1) so concurrent writers
// converge on a monotonically increasing counter per document.
type Increment int64

// ServerTimestamp is a sentinel payload value replaced by the remote
// store's own clock at commit time.
type ServerTimestamp struct{}

// Predicate is a field comparison for QueryDocuments.
type Predicate struct {
	Field string
	Op    string // "==", "!=", "<", "<=", ">", ">="
	Value any
}

// OrderBy names the sort field for QueryDocuments.
type OrderBy struct {
	Field      string
	Descending bool
}

// BatchOpKind identifies the operation type inside a batch.
type BatchOpKind int

const (
	// BatchSet is an upsert of a full document.
	BatchSet BatchOpKind = iota
	// BatchUpdate is a partial merge into an existing document.
	BatchUpdate
)

// BatchOp is one operation inside an atomic BatchCommit.
type BatchOp struct {
	Kind       BatchOpKind
	Collection string
	ID         string
	Payload    Document
}

// RemoteStore is the networked document database holding the authoritative
// (when reachable) copy of each entity. Documents are addressed by
// collection and id; SetDocument has upsert semantics.
type RemoteStore interface {
	// GetDocument returns the document or ErrDocumentNotFound.
	GetDocument(ctx context.Context, collection, id string) (Document, error)

	// SetDocument upserts a full document, resolving Increment and
	// ServerTimestamp sentinels against the stored state.
	SetDocument(ctx context.Context, collection, id string, payload Document) error

	// UpdateDocument merges a partial payload into an existing document.
	// Missing documents are created, matching set-style upsert semantics.
	UpdateDocument(ctx context.Context, collection, id string, partial Document) error

	// QueryDocuments returns documents matching all predicates, optionally
	// ordered and limited. limit <= 0 means unlimited.
	QueryDocuments(ctx context.Context, collection string, predicates []Predicate, order *OrderBy, limit int) ([]Document, error)

	// BatchCommit applies all operations atomically: either every
	// operation is stored or none is.
	BatchCommit(ctx context.Context, ops []BatchOp) error

	// Subscribe registers a change callback for one document and returns
	// an unsubscribe func.
	Subscribe(collection, id string, onChange func(Document)) (func(), error)

	// Close releases any resources.
	Close() error
}

// Ensure interfaces are implemented.
var (
	_ RemoteStore = (*MemoryRemoteStore)(nil)
	_ RemoteStore = (*WebSocketRemoteStore)(nil)
)

// MemoryRemoteStore implements RemoteStore in process memory. It backs
// tests and single-device deployments, and supports fault injection so the
// sync layer's degradation paths can be exercised deterministically.
type MemoryRemoteStore struct {
	collections map[string]map[string]Document
	subscribers map[string]map[int]func(Document)
	nextSubID   int
	failure     func(op, collection, id string) error
	mu          sync.RWMutex
}

// NewMemoryRemoteStore creates an empty in-memory remote store.
func NewMemoryRemoteStore() *MemoryRemoteStore {
	return &MemoryRemoteStore{
		collections: make(map[string]map[string]Document),
		subscribers: make(map[string]map[int]func(Document)),
	}
}

// SetFailure installs a fault hook consulted before every operation. A nil
// hook clears fault injection. The op argument is one of "get", "set",
// "update", "query", "batch".
func (m *MemoryRemoteStore) SetFailure(hook func(op, collection, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = hook
}

func (m *MemoryRemoteStore) checkFailure(op, collection, id string) error {
	m.mu.RLock()
	hook := m.failure
	m.mu.RUnlock()
	if hook == nil {
		return nil
	}
	return hook(op, collection, id)
}

func (m *MemoryRemoteStore) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	if err := m.checkFailure("get", collection, id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	docs, ok := m.collections[collection]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	doc, ok := docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

func (m *MemoryRemoteStore) SetDocument(ctx context.Context, collection, id string, payload Document) error {
	if err := m.checkFailure("set", collection, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.applySetLocked(collection, id, payload)
	doc := m.collections[collection][id].Clone()
	subs := m.snapshotSubsLocked(collection, id)
	m.mu.Unlock()

	notify(subs, doc)
	return nil
}

func (m *MemoryRemoteStore) UpdateDocument(ctx context.Context, collection, id string, partial Document) error {
	if err := m.checkFailure("update", collection, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.applyUpdateLocked(collection, id, partial)
	doc := m.collections[collection][id].Clone()
	subs := m.snapshotSubsLocked(collection, id)
	m.mu.Unlock()

	notify(subs, doc)
	return nil
}

func (m *MemoryRemoteStore) QueryDocuments(ctx context.Context, collection string, predicates []Predicate, order *OrderBy, limit int) ([]Document, error) {
	if err := m.checkFailure("query", collection, ""); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Document
	for _, doc := range m.collections[collection] {
		if matchesAll(doc, predicates) {
			result = append(result, doc.Clone())
		}
	}

	if order != nil {
		sort.SliceStable(result, func(i, j int) bool {
			less := compareValues(result[i][order.Field], result[j][order.Field]) < 0
			if order.Descending {
				return !less
			}
			return less
		})
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryRemoteStore) BatchCommit(ctx context.Context, ops []BatchOp) error {
	if err := m.checkFailure("batch", "", ""); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	// All operations are validated up front so the commit is all-or-nothing.
	for _, op := range ops {
		if op.Collection == "" || op.ID == "" {
			m.mu.Unlock()
			return fmt.Errorf("%w: batch op missing collection or id", ErrRemoteRejected)
		}
	}

	type pending struct {
		subs []func(Document)
		doc  Document
	}
	var notifications []pending
	for _, op := range ops {
		switch op.Kind {
		case BatchUpdate:
			m.applyUpdateLocked(op.Collection, op.ID, op.Payload)
		default:
			m.applySetLocked(op.Collection, op.ID, op.Payload)
		}
		notifications = append(notifications, pending{
			subs: m.snapshotSubsLocked(op.Collection, op.ID),
			doc:  m.collections[op.Collection][op.ID].Clone(),
		})
	}
	m.mu.Unlock()

	for _, n := range notifications {
		notify(n.subs, n.doc)
	}
	return nil
}

func (m *MemoryRemoteStore) Subscribe(collection, id string, onChange func(Document)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := collection + "/" + id
	if m.subscribers[key] == nil {
		m.subscribers[key] = make(map[int]func(Document))
	}
	m.nextSubID++
	subID := m.nextSubID
	m.subscribers[key][subID] = onChange

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers[key], subID)
	}, nil
}

func (m *MemoryRemoteStore) Close() error {
	return nil
}

// Size returns the number of documents in a collection.
func (m *MemoryRemoteStore) Size(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func (m *MemoryRemoteStore) applySetLocked(collection, id string, payload Document) {
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]Document)
	}
	prev := m.collections[collection][id]
	doc := make(Document, len(payload))
	for k, v := range payload {
		doc[k] = resolveSentinel(prev, k, v)
	}
	m.collections[collection][id] = doc
}

func (m *MemoryRemoteStore) applyUpdateLocked(collection, id string, partial Document) {
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]Document)
	}
	doc := m.collections[collection][id]
	if doc == nil {
		doc = make(Document)
	} else {
		doc = doc.Clone()
	}
	for k, v := range partial {
		doc[k] = resolveSentinel(m.collections[collection][id], k, v)
	}
	m.collections[collection][id] = doc
}

func (m *MemoryRemoteStore) snapshotSubsLocked(collection, id string) []func(Document) {
	key := collection + "/" + id
	subs := make([]func(Document), 0, len(m.subscribers[key]))
	for _, fn := range m.subscribers[key] {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(Document), doc Document) {
	for _, fn := range subs {
		fn(doc.Clone())
	}
}

// resolveSentinel turns Increment and ServerTimestamp payload values into
// concrete stored values against the previous document state.
func resolveSentinel(prev Document, field string, value any) any {
	switch v := value.(type) {
	case Increment:
		var base int64
		if prev != nil {
			base = toInt64(prev[field])
		}
		return base + int64(v)
	case ServerTimestamp:
		return time.Now().UTC().UnixMilli()
	default:
		return value
	}
}

func matchesAll(doc Document, predicates []Predicate) bool {
	for _, p := range predicates {
		cmp := compareValues(doc[p.Field], p.Value)
		switch p.Op {
		case "==", "":
			if cmp != 0 {
				return false
			}
		case "!=":
			if cmp == 0 {
				return false
			}
		case "<":
			if cmp >= 0 {
				return false
			}
		case "<=":
			if cmp > 0 {
				return false
			}
		case ">":
			if cmp <= 0 {
				return false
			}
		case ">=":
			if cmp < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compareValues orders two loosely typed document values. Numbers compare
// numerically across int/float kinds; everything else compares as strings.
func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case Increment:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
