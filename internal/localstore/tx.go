package localstore

import (
	"fmt"
	"slices"

	"github.com/njoerd114/zonesync/internal/model"
)

// Change is a single mutation observed inside a transaction. It is one of
// [Inserted], [Updated], or [Deleted].
type Change interface {
	Object() model.ObjectRef
	isChange()
}

// Inserted reports a newly created object.
type Inserted struct{ Ref model.ObjectRef }

// Updated reports changed fields of an existing object.
type Updated struct {
	Ref    model.ObjectRef
	Fields []string
}

// Deleted reports a removed object.
type Deleted struct{ Ref model.ObjectRef }

func (c Inserted) Object() model.ObjectRef { return c.Ref }
func (c Updated) Object() model.ObjectRef  { return c.Ref }
func (c Deleted) Object() model.ObjectRef  { return c.Ref }

func (Inserted) isChange() {}
func (Updated) isChange()  {}
func (Deleted) isChange()  {}

// Observer receives change notifications. ObjectChanged is called while the
// transaction is open; exactly one of TransactionCommitted or
// TransactionRolledBack follows when it ends. Implementations must not call
// [Store.Write] from these callbacks.
type Observer interface {
	ObjectChanged(change Change, author string)
	TransactionCommitted(author string)
	TransactionRolledBack(author string)
}

// journalEntry remembers the prior state of one object for rollback.
type journalEntry struct {
	ref  model.ObjectRef
	prev map[string]any // nil when the object did not exist
}

// Tx is an open write transaction.
type Tx struct {
	store     *Store
	author    string
	observers []Observer
	journal   []journalEntry
}

// Get returns a copy of the object as seen by the transaction.
func (tx *Tx) Get(ref model.ObjectRef) (*Object, bool) {
	return tx.store.Get(ref)
}

// Insert creates an object. values must contain the entity's primary key as
// a non-empty string.
func (tx *Tx) Insert(entity string, values map[string]any) (model.ObjectRef, error) {
	d, ok := tx.store.schema[entity]
	if !ok {
		return model.ObjectRef{}, fmt.Errorf("inserting %q: %w", entity, ErrUnknownEntity)
	}
	key, _ := values[d.PrimaryKey].(string)
	if key == "" {
		return model.ObjectRef{}, fmt.Errorf("inserting %q: primary key %q must be a non-empty string", entity, d.PrimaryKey)
	}
	if err := tx.checkRelationships(d, values); err != nil {
		return model.ObjectRef{}, err
	}
	ref := model.ObjectRef{Entity: entity, Key: key}

	tx.store.mu.Lock()
	if _, exists := tx.store.objects[entity][key]; exists {
		tx.store.mu.Unlock()
		return model.ObjectRef{}, fmt.Errorf("inserting %s: %w", ref, ErrExists)
	}
	tx.journal = append(tx.journal, journalEntry{ref: ref})
	stored := cloneValues(values)
	for field, v := range stored {
		if v == nil {
			delete(stored, field)
		}
	}
	tx.store.objects[entity][key] = stored
	tx.store.mu.Unlock()

	tx.notify(Inserted{Ref: ref})
	return ref, nil
}

// Update merges values into an existing object. Only fields whose value
// actually changes are reported. Setting a field to nil clears it.
func (tx *Tx) Update(ref model.ObjectRef, values map[string]any) error {
	d, ok := tx.store.schema[ref.Entity]
	if !ok {
		return fmt.Errorf("updating %s: %w", ref, ErrUnknownEntity)
	}
	if pk, ok := values[d.PrimaryKey]; ok && pk != ref.Key {
		return fmt.Errorf("updating %s: primary key cannot change", ref)
	}
	if err := tx.checkRelationships(d, values); err != nil {
		return err
	}

	tx.store.mu.Lock()
	current, exists := tx.store.objects[ref.Entity][ref.Key]
	if !exists {
		tx.store.mu.Unlock()
		return fmt.Errorf("updating %s: %w", ref, ErrNotFound)
	}
	var changed []string
	for field, v := range values {
		old, had := current[field]
		if had && valuesEqual(old, v) || !had && v == nil {
			continue
		}
		changed = append(changed, field)
	}
	if len(changed) > 0 {
		tx.journal = append(tx.journal, journalEntry{ref: ref, prev: cloneValues(current)})
		next := cloneValues(current)
		for _, field := range changed {
			if values[field] == nil {
				delete(next, field)
			} else {
				next[field] = values[field]
			}
		}
		tx.store.objects[ref.Entity][ref.Key] = next
	}
	tx.store.mu.Unlock()

	if len(changed) > 0 {
		slices.Sort(changed)
		tx.notify(Updated{Ref: ref, Fields: changed})
	}
	return nil
}

// Delete removes an object and, depth first, every child pointing at it via
// its parent key.
func (tx *Tx) Delete(ref model.ObjectRef) error {
	if _, ok := tx.store.schema[ref.Entity]; !ok {
		return fmt.Errorf("deleting %s: %w", ref, ErrUnknownEntity)
	}

	tx.store.mu.RLock()
	_, exists := tx.store.objects[ref.Entity][ref.Key]
	children := tx.store.childrenLocked(ref)
	tx.store.mu.RUnlock()
	if !exists {
		return fmt.Errorf("deleting %s: %w", ref, ErrNotFound)
	}

	for _, child := range children {
		if err := tx.Delete(child.Ref); err != nil {
			return err
		}
	}

	tx.store.mu.Lock()
	current := tx.store.objects[ref.Entity][ref.Key]
	tx.journal = append(tx.journal, journalEntry{ref: ref, prev: cloneValues(current)})
	delete(tx.store.objects[ref.Entity], ref.Key)
	tx.store.mu.Unlock()

	tx.notify(Deleted{Ref: ref})
	return nil
}

func (tx *Tx) checkRelationships(d EntityDescriptor, values map[string]any) error {
	for field, target := range d.Relationships {
		v, ok := values[field]
		if !ok || v == nil {
			continue
		}
		ref, ok := v.(model.ObjectRef)
		if !ok {
			return fmt.Errorf("%s.%s: relationship value must be model.ObjectRef, got %T", d.Name, field, v)
		}
		if ref.Entity != target {
			return fmt.Errorf("%s.%s: expected %s reference, got %s", d.Name, field, target, ref.Entity)
		}
	}
	return nil
}

func (tx *Tx) notify(c Change) {
	for _, obs := range tx.observers {
		obs.ObjectChanged(c, tx.author)
	}
}

// rollback restores every journaled object in reverse order.
func (tx *Tx) rollback() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for i := len(tx.journal) - 1; i >= 0; i-- {
		e := tx.journal[i]
		if e.prev == nil {
			delete(tx.store.objects[e.ref.Entity], e.ref.Key)
			continue
		}
		tx.store.objects[e.ref.Entity][e.ref.Key] = e.prev
	}
	tx.journal = nil
}

