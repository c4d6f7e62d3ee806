// Package model defines the wire vocabulary shared by the sync engine, the
// model adapters, and the remote record store: zone and record identifiers,
// references, records, shares, and change tokens.
package model

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// DefaultOwner is the owner name of zones that belong to the current user.
const DefaultOwner = "__defaultOwner__"

// Reserved metadata keys. They are written by the engine on upload and never
// applied to local objects on import.
const (
	// FieldDeviceID carries the identifier of the device that last saved the
	// record. Records carrying our own device ID are skipped on download.
	FieldDeviceID = "__zs_device_id"

	// FieldModelVersion carries the model compatibility version of the client
	// that last saved the record.
	FieldModelVersion = "__zs_model_version"
)

// ErrRecordNotFound is returned when an object has no uploaded record yet.
var ErrRecordNotFound = errors.New("record not found")

// IsReservedKey reports whether key is an engine metadata key.
func IsReservedKey(key string) bool {
	return strings.HasPrefix(key, "__zs_")
}

// Scope selects which remote database a synchronizer talks to.
type Scope int

const (
	// ScopePrivate is the current user's own database.
	ScopePrivate Scope = iota
	// ScopeShared holds zones other users have shared with the current user.
	ScopeShared
)

func (s Scope) String() string {
	switch s {
	case ScopePrivate:
		return "private"
	case ScopeShared:
		return "shared"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// ParseScope is the inverse of [Scope.String].
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "", "private":
		return ScopePrivate, nil
	case "shared":
		return ScopeShared, nil
	default:
		return 0, fmt.Errorf("unknown scope %q", s)
	}
}

// ZoneID identifies a partition of the remote store with its own change feed.
type ZoneID struct {
	Name  string
	Owner string
}

// NewZoneID returns a zone owned by the current user.
func NewZoneID(name string) ZoneID {
	return ZoneID{Name: name, Owner: DefaultOwner}
}

func (z ZoneID) String() string {
	return z.Owner + "/" + z.Name
}

// IsZero reports whether z is the zero value.
func (z ZoneID) IsZero() bool {
	return z.Name == "" && z.Owner == ""
}

// RecordID is a record name scoped to a zone.
type RecordID struct {
	Name string
	Zone ZoneID
}

func (id RecordID) String() string {
	return id.Zone.String() + "/" + id.Name
}

// ReferenceAction controls what the remote store does with a record when the
// record it references is deleted.
type ReferenceAction int

const (
	ActionNone ReferenceAction = iota
	ActionDeleteSelf
)

// Reference points at another record in the same zone.
type Reference struct {
	RecordID RecordID
	Action   ReferenceAction
}

// ObjectRef addresses a local object independent of the storage technology.
type ObjectRef struct {
	Entity string
	Key    string
}

func (r ObjectRef) String() string {
	return r.Entity + "." + r.Key
}

// IsZero reports whether r is the zero value.
func (r ObjectRef) IsZero() bool {
	return r.Entity == "" && r.Key == ""
}

// Identifier returns the composite bookkeeping identifier for a local object:
// "<entityType>.<primaryKey>". It doubles as the remote record name.
func Identifier(entity, key string) string {
	return entity + "." + key
}

// SplitIdentifier splits an identifier produced by [Identifier]. Entity names
// must not contain dots; keys may.
func SplitIdentifier(identifier string) (entity, key string, ok bool) {
	entity, key, ok = strings.Cut(identifier, ".")
	if !ok || entity == "" || key == "" {
		return "", "", false
	}
	return entity, key, true
}

// ChangeToken is an opaque continuation cursor into a change feed. A nil
// token means "from the beginning".
type ChangeToken []byte

// Record is the wire representation of one object.
type Record struct {
	ID   RecordID
	Type string

	// ChangeTag is the optimistic-concurrency version stamp assigned by the
	// remote store. Empty for records never saved.
	ChangeTag string

	// Fields holds user values. Supported value types are nil, string, int64,
	// float64, bool, time.Time, []byte, and Reference.
	Fields map[string]any

	// Parent is the logical parent used for share hierarchies.
	Parent *Reference

	// Share points at the share record attached to this record, if any.
	Share *Reference

	// Modified is set by the remote store on save.
	Modified time.Time
}

// NewRecord returns an unsaved record of the given type.
func NewRecord(recordType string, id RecordID) *Record {
	return &Record{ID: id, Type: recordType, Fields: make(map[string]any)}
}

// Copy returns a deep-enough copy: the field map is cloned, byte slices and
// references are copied.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		cp.Fields[k] = v
	}
	if r.Parent != nil {
		p := *r.Parent
		cp.Parent = &p
	}
	if r.Share != nil {
		s := *r.Share
		cp.Share = &s
	}
	return &cp
}

// Set assigns a field value.
func (r *Record) Set(key string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[key] = value
}

// UserFields returns the fields that are not reserved engine metadata.
func (r *Record) UserFields() map[string]any {
	out := maps.Clone(r.Fields)
	for k := range out {
		if IsReservedKey(k) {
			delete(out, k)
		}
	}
	return out
}

// ModelVersion returns the compatibility version stamped on the record, or 0.
func (r *Record) ModelVersion() int64 {
	v, _ := r.Fields[FieldModelVersion].(int64)
	return v
}

// DeviceID returns the originating device stamped on the record, or "".
func (r *Record) DeviceID() string {
	v, _ := r.Fields[FieldDeviceID].(string)
	return v
}

// Subscription asks the remote store to notify about changes. A nil Zone
// subscribes to the whole database.
type Subscription struct {
	ID   string
	Zone *ZoneID
}
