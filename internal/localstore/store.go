// Package localstore is an in-memory object graph with write transactions
// and change notifications. It is the local persistence technology the
// concrete model adapter bridges to the sync engine.
//
// Every mutation happens inside [Store.Write]. Observers receive one [Change]
// per mutation while the transaction is still open, followed by either
// TransactionCommitted or TransactionRolledBack once it ends.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/njoerd114/zonesync/internal/model"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrExists is returned when inserting an object whose key is taken.
	ErrExists = errors.New("object already exists")
	// ErrUnknownEntity is returned for entity names missing from the schema.
	ErrUnknownEntity = errors.New("unknown entity")
)

// EntityDescriptor declares the capabilities of one entity type. It replaces
// per-object probing for primary/parent keys.
type EntityDescriptor struct {
	// Name is the entity type name. It must not contain dots.
	Name string

	// PrimaryKey is the field holding the object's stable string key.
	PrimaryKey string

	// ParentKey optionally names the to-one relationship pointing at the
	// object's logical parent. Deleting a parent cascades to its children.
	ParentKey string

	// Relationships maps to-one relationship fields to their target entity.
	Relationships map[string]string
}

// IsRelationship reports whether field is a declared to-one relationship.
func (d EntityDescriptor) IsRelationship(field string) bool {
	_, ok := d.Relationships[field]
	return ok
}

// Object is a detached copy of a stored object.
type Object struct {
	Ref    model.ObjectRef
	Values map[string]any
}

// Store holds objects keyed by entity and primary key.
type Store struct {
	schema map[string]EntityDescriptor

	writeMu sync.Mutex // serialises transactions
	inTx    atomic.Bool

	mu        sync.RWMutex
	objects   map[string]map[string]map[string]any
	observers map[int]Observer
	nextObs   int
}

// New creates an empty store for the given schema.
func New(descriptors ...EntityDescriptor) (*Store, error) {
	s := &Store{
		schema:    make(map[string]EntityDescriptor, len(descriptors)),
		objects:   make(map[string]map[string]map[string]any, len(descriptors)),
		observers: make(map[int]Observer),
	}
	for _, d := range descriptors {
		if d.Name == "" || d.PrimaryKey == "" {
			return nil, fmt.Errorf("entity %q: name and primary key are required", d.Name)
		}
		if strings.Contains(d.Name, ".") {
			return nil, fmt.Errorf("entity name %q must not contain dots", d.Name)
		}
		if d.ParentKey != "" && !d.IsRelationship(d.ParentKey) {
			return nil, fmt.Errorf("entity %q: parent key %q is not a declared relationship", d.Name, d.ParentKey)
		}
		s.schema[d.Name] = d
		s.objects[d.Name] = make(map[string]map[string]any)
	}
	for _, d := range descriptors {
		for field, target := range d.Relationships {
			if _, ok := s.schema[target]; !ok {
				return nil, fmt.Errorf("entity %q: relationship %q targets unknown entity %q", d.Name, field, target)
			}
		}
	}
	return s, nil
}

// Descriptor returns the descriptor for entity.
func (s *Store) Descriptor(entity string) (EntityDescriptor, bool) {
	d, ok := s.schema[entity]
	return d, ok
}

// Entities returns all descriptors sorted by name.
func (s *Store) Entities() []EntityDescriptor {
	out := make([]EntityDescriptor, 0, len(s.schema))
	for _, d := range s.schema {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InTransaction reports whether a write transaction is currently open.
func (s *Store) InTransaction() bool {
	return s.inTx.Load()
}

// Get returns a copy of the object, or false if it does not exist.
func (s *Store) Get(ref model.ObjectRef) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ref)
}

func (s *Store) getLocked(ref model.ObjectRef) (*Object, bool) {
	vals, ok := s.objects[ref.Entity][ref.Key]
	if !ok {
		return nil, false
	}
	return &Object{Ref: ref, Values: cloneValues(vals)}, true
}

// All returns copies of every object of entity, ordered by key.
func (s *Store) All(entity string) []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(s.objects[entity]))
	out := make([]*Object, 0, len(keys))
	for _, k := range keys {
		obj, _ := s.getLocked(model.ObjectRef{Entity: entity, Key: k})
		out = append(out, obj)
	}
	return out
}

// Children returns the objects whose parent key points at ref.
func (s *Store) Children(ref model.ObjectRef) []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childrenLocked(ref)
}

func (s *Store) childrenLocked(ref model.ObjectRef) []*Object {
	var out []*Object
	for _, d := range s.Entities() {
		if d.ParentKey == "" || d.Relationships[d.ParentKey] != ref.Entity {
			continue
		}
		keys := slices.Sorted(maps.Keys(s.objects[d.Name]))
		for _, k := range keys {
			vals := s.objects[d.Name][k]
			if parent, ok := vals[d.ParentKey].(model.ObjectRef); ok && parent == ref {
				out = append(out, &Object{Ref: model.ObjectRef{Entity: d.Name, Key: k}, Values: cloneValues(vals)})
			}
		}
	}
	return out
}

// Observe registers an observer. The returned function unregisters it; the
// store keeps no reference to the observer afterwards.
func (s *Store) Observe(o Observer) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) snapshotObservers() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.observers))
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

// WriteOption configures a write transaction.
type WriteOption func(*writeOptions)

type writeOptions struct {
	author string
}

// WithAuthor tags every change of the transaction with author so observers
// can tell their own writes apart.
func WithAuthor(author string) WriteOption {
	return func(o *writeOptions) { o.author = author }
}

// Write runs fn inside a write transaction. If fn returns an error, every
// mutation is undone and observers receive TransactionRolledBack.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error, opts ...WriteOption) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write transaction: %w", err)
	}
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := &Tx{store: s, author: o.author, observers: s.snapshotObservers()}
	s.inTx.Store(true)
	err := fn(tx)
	if err != nil {
		tx.rollback()
	}
	s.inTx.Store(false)

	for _, obs := range tx.observers {
		if err != nil {
			obs.TransactionRolledBack(o.author)
		} else {
			obs.TransactionCommitted(o.author)
		}
	}
	return err
}

func cloneValues(vals map[string]any) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[k] = v
	}
	return out
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
