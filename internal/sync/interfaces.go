// Package sync implements the synchronization engine of zonesync. It
// reconciles local object stores, each wrapped by a model adapter serving one
// record zone, with a remote database that offers per-zone change feeds and
// optimistic concurrency.
//
// The package contains two main components:
//
//   - [Synchronizer] runs one round at a time: check zones, fetch and import
//     remote changes, upload local changes, resolve conflicts, advance tokens.
//     It also exposes sharing and subscription management.
//   - [Engine] drives the Synchronizer from a polling loop and from local
//     change notifications.
package sync

import (
	"context"

	"github.com/njoerd114/zonesync/internal/model"
)

// ModelAdapter bridges one zone's local store to the engine.
// Implemented by [adapter.Adapter].
type ModelAdapter interface {
	RecordZoneID() model.ZoneID
	HasChanges(ctx context.Context) (bool, error)
	SubscribeLocalChanges(fn func()) (cancel func())

	ServerChangeToken(ctx context.Context) (model.ChangeToken, error)
	SaveToken(ctx context.Context, token model.ChangeToken) error
	HasSyncedOnce(ctx context.Context) (bool, error)
	DeleteChangeTracking(ctx context.Context) error

	PrepareToImport()
	SaveChanges(ctx context.Context, records []*model.Record) error
	DeleteRecords(ctx context.Context, ids []model.RecordID) error
	PersistImportedChanges(ctx context.Context) error
	DidFinishImport(err error)
	HasRecordID(ctx context.Context, id model.RecordID) (bool, error)

	RecordsToUpload(ctx context.Context, limit int) ([]*model.Record, error)
	DidUpload(ctx context.Context, saved []*model.Record) error
	RecordIDsMarkedForDeletion(ctx context.Context, limit int) ([]model.RecordID, error)
	DidDelete(ctx context.Context, ids []model.RecordID) error
	RecordsToUpdateParentRelationshipsForRoot(ctx context.Context, root model.ObjectRef) ([]*model.Record, error)

	ShareAdapter
}

// ShareAdapter keeps per-object and zone-wide share metadata.
// Implemented by [adapter.Adapter].
type ShareAdapter interface {
	Record(ctx context.Context, ref model.ObjectRef) (*model.Record, error)
	Share(ctx context.Context, ref model.ObjectRef) (*model.Record, error)
	SaveShare(ctx context.Context, share *model.Record, ref model.ObjectRef) error
	DeleteShare(ctx context.Context, ref model.ObjectRef) error
	ShareForRecordZone(ctx context.Context) (*model.Record, error)
	SaveShareForRecordZone(ctx context.Context, share *model.Record) error
	DeleteShareForRecordZone(ctx context.Context) error
}

// AdapterProvider resolves zones to model adapters.
// Implemented by [provider.Static] and [provider.PerZone].
type AdapterProvider interface {
	// Adapters returns every adapter currently known, in a stable order.
	Adapters() []ModelAdapter

	// AdapterFor returns the adapter of zone, creating it if the provider
	// serves zones lazily. It returns (nil, nil) for zones it does not serve.
	AdapterFor(ctx context.Context, zone model.ZoneID) (ModelAdapter, error)

	// ZoneWasDeleted tears down the adapter of a zone deleted remotely,
	// provided it completed at least one sync.
	ZoneWasDeleted(ctx context.Context, zone model.ZoneID) error

	// Reset tears down every adapter and forgets it.
	Reset(ctx context.Context) error
}

// KeyValueStore persists engine state that lives outside any zone, such as
// the database change token. Get returns (nil, nil) for missing keys.
// Implemented by [kv.File] and [kv.Memory].
type KeyValueStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}
