// Package remote defines the Database capability the sync engine talks to and
// the one-shot operations built on top of it: fetch database changes, fetch
// zone changes, modify records, and zone and subscription management.
//
// Operations carry no retry loop. Transient transport failures are retried by
// [RetryingDatabase], which sits beneath the capability.
package remote

import (
	"context"

	"github.com/njoerd114/zonesync/internal/model"
)

// Database is one remote database (private or shared scope).
type Database interface {
	Scope() model.Scope

	// FetchDatabaseChanges returns zones changed or deleted since token.
	FetchDatabaseChanges(ctx context.Context, token model.ChangeToken) (*DatabaseChanges, error)

	// FetchZoneChanges returns up to limit record changes in zone since
	// token. A limit <= 0 lets the server choose.
	FetchZoneChanges(ctx context.Context, zone model.ZoneID, token model.ChangeToken, limit int) (*ZoneChanges, error)

	// ModifyRecords saves and deletes records in one request. Per-record
	// outcomes are reported in the result; the error is reserved for
	// failures of the whole request.
	ModifyRecords(ctx context.Context, save []*model.Record, del []model.RecordID) (*ModifyResult, error)

	ModifyZones(ctx context.Context, save []model.ZoneID, del []model.ZoneID) error
	ModifySubscriptions(ctx context.Context, save []model.Subscription, del []string) error
}

// DatabaseChanges is one page of the database-level change feed.
type DatabaseChanges struct {
	Changed    []model.ZoneID
	Deleted    []model.ZoneID
	Token      model.ChangeToken
	MoreComing bool
}

// ZoneChanges is one page of a zone change feed.
type ZoneChanges struct {
	Changed    []*model.Record
	Deleted    []model.RecordID
	Token      model.ChangeToken
	MoreComing bool
}

// Conflict is a save rejected because the server holds a newer version.
type Conflict struct {
	Client *model.Record
	Server *model.Record
}

// RecordFailure is a per-record error other than a conflict.
type RecordFailure struct {
	ID  model.RecordID
	Err error
}

// ModifyResult splits a modify-records request into disjoint outcomes.
type ModifyResult struct {
	// Saved holds the server's copy of every accepted record.
	Saved     []*model.Record
	Conflicts []Conflict
	Deleted   []model.RecordID
	Failed    []RecordFailure
}
