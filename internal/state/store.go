// Package state manages the SQLite bookkeeping database that shadows every
// tracked local object with a synced entity row, the cached record snapshots,
// pending relationships awaiting their targets, and per-zone change tokens.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"

	"github.com/njoerd114/zonesync/internal/model"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// EntityState is the sync state of one tracked object.
type EntityState int

const (
	StateNew EntityState = iota
	StateChanged
	StateSynced
	StateDeleted
)

func (s EntityState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChanged:
		return "changed"
	case StateSynced:
		return "synced"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("EntityState(%d)", int(s))
	}
}

// SyncedEntity is the bookkeeping shadow of one tracked local object.
type SyncedEntity struct {
	// Identifier is "<entityType>.<primaryKey>" and doubles as record name.
	Identifier string
	EntityType string
	State      EntityState

	// ChangedKeys holds the dirty field names accumulated since the last
	// successful upload.
	ChangedKeys []string

	Updated time.Time

	// ShareIdentifier links the share entity attached to this object.
	ShareIdentifier string
}

// HasChangedKey reports whether key is in ChangedKeys.
func (e *SyncedEntity) HasChangedKey(key string) bool {
	for _, k := range e.ChangedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// PendingRelationship is a to-one relationship (or share attachment) whose
// target did not exist locally when the owning record was imported.
type PendingRelationship struct {
	ID               int64
	ForIdentifier    string
	Name             string
	TargetIdentifier string
}

// Store is the SQLite-backed bookkeeping repository.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, applies migrations,
// and configures WAL mode for better concurrent read performance.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. This also funnels every
	// bookkeeping mutation through one connection.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	_, err = provider.Up(ctx)
	return err
}

// --- synced entities ---------------------------------------------------------

const entityColumns = "identifier, entity_type, state, changed_keys, updated, share_identifier"

// Entity returns the entity with the given identifier, or (nil, nil).
func (s *Store) Entity(ctx context.Context, identifier string) (*SyncedEntity, error) {
	q := `SELECT ` + entityColumns + ` FROM synced_entities WHERE identifier = ?`
	return scanEntity(s.db.QueryRowContext(ctx, q, identifier))
}

// SaveEntity inserts or replaces an entity row.
func (s *Store) SaveEntity(ctx context.Context, e *SyncedEntity) error {
	const q = `
		INSERT INTO synced_entities (identifier, entity_type, state, changed_keys, updated, share_identifier)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
		    entity_type      = excluded.entity_type,
		    state            = excluded.state,
		    changed_keys     = excluded.changed_keys,
		    updated          = excluded.updated,
		    share_identifier = excluded.share_identifier`

	if e.Updated.IsZero() {
		e.Updated = time.Now().UTC()
	}
	keys := e.ChangedKeys
	if keys == nil {
		keys = []string{}
	}
	encoded, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding changed keys of %q: %w", e.Identifier, err)
	}
	_, err = s.db.ExecContext(ctx, q,
		e.Identifier,
		e.EntityType,
		int(e.State),
		string(encoded),
		formatTime(e.Updated),
		e.ShareIdentifier,
	)
	if err != nil {
		return fmt.Errorf("saving entity %q: %w", e.Identifier, err)
	}
	return nil
}

// DeleteEntities removes entity rows together with their snapshots and the
// pending relationships they own.
func (s *Store) DeleteEntities(ctx context.Context, identifiers ...string) error {
	if len(identifiers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deletes := []sq.DeleteBuilder{
		sq.Delete("synced_entities").Where(sq.Eq{"identifier": identifiers}),
		sq.Delete("record_snapshots").Where(sq.Eq{"identifier": identifiers}),
		sq.Delete("pending_relationships").Where(sq.Eq{"for_identifier": identifiers}),
	}
	for _, d := range deletes {
		q, args, err := d.ToSql()
		if err != nil {
			return fmt.Errorf("building delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("deleting %d entities: %w", len(identifiers), err)
		}
	}
	return tx.Commit()
}

// EntitiesInState returns up to limit entities in any of states, oldest
// update first. A limit <= 0 means no limit.
func (s *Store) EntitiesInState(ctx context.Context, limit int, states ...EntityState) ([]*SyncedEntity, error) {
	ints := make([]int, len(states))
	for i, st := range states {
		ints[i] = int(st)
	}
	b := sq.Select(entityColumns).
		From("synced_entities").
		Where(sq.Eq{"state": ints}).
		OrderBy("updated", "identifier")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.queryEntities(ctx, b)
}

// EntitiesOfType returns every entity of the given entity type.
func (s *Store) EntitiesOfType(ctx context.Context, entityType string) ([]*SyncedEntity, error) {
	b := sq.Select(entityColumns).
		From("synced_entities").
		Where(sq.Eq{"entity_type": entityType}).
		OrderBy("identifier")
	return s.queryEntities(ctx, b)
}

// EntitiesSharedBy returns the entities attached to any of shareIDs.
func (s *Store) EntitiesSharedBy(ctx context.Context, shareIDs ...string) ([]*SyncedEntity, error) {
	if len(shareIDs) == 0 {
		return nil, nil
	}
	b := sq.Select(entityColumns).
		From("synced_entities").
		Where(sq.Eq{"share_identifier": shareIDs}).
		OrderBy("identifier")
	return s.queryEntities(ctx, b)
}

func (s *Store) queryEntities(ctx context.Context, b sq.SelectBuilder) ([]*SyncedEntity, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building entity query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SyncedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountPending returns the number of entities whose state is not synced.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM synced_entities WHERE state != ?`, int(StateSynced)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending entities: %w", err)
	}
	return n, nil
}

// CountByState returns the number of entities per state.
func (s *Store) CountByState(ctx context.Context) (map[EntityState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM synced_entities GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting entities by state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[EntityState]int)
	for rows.Next() {
		var st, n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning state count: %w", err)
		}
		out[EntityState(st)] = n
	}
	return out, rows.Err()
}

// --- record snapshots --------------------------------------------------------

// SaveSnapshot caches the encoded record for identifier.
func (s *Store) SaveSnapshot(ctx context.Context, identifier string, encoded []byte) error {
	const q = `
		INSERT INTO record_snapshots (identifier, encoded) VALUES (?, ?)
		ON CONFLICT(identifier) DO UPDATE SET encoded = excluded.encoded`
	if _, err := s.db.ExecContext(ctx, q, identifier, encoded); err != nil {
		return fmt.Errorf("saving snapshot %q: %w", identifier, err)
	}
	return nil
}

// Snapshot returns the cached encoded record, or (nil, nil).
func (s *Store) Snapshot(ctx context.Context, identifier string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT encoded FROM record_snapshots WHERE identifier = ?`, identifier).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %q: %w", identifier, err)
	}
	return blob, nil
}

// --- pending relationships ---------------------------------------------------

// AddPendingRelationship records (or retargets) a deferred relationship.
func (s *Store) AddPendingRelationship(ctx context.Context, p PendingRelationship) error {
	const q = `
		INSERT INTO pending_relationships (for_identifier, relationship_name, target_identifier)
		VALUES (?, ?, ?)
		ON CONFLICT(for_identifier, relationship_name) DO UPDATE SET
		    target_identifier = excluded.target_identifier`
	if _, err := s.db.ExecContext(ctx, q, p.ForIdentifier, p.Name, p.TargetIdentifier); err != nil {
		return fmt.Errorf("adding pending relationship %s.%s: %w", p.ForIdentifier, p.Name, err)
	}
	return nil
}

// PendingRelationships returns every deferred relationship in insertion order.
func (s *Store) PendingRelationships(ctx context.Context) ([]PendingRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, for_identifier, relationship_name, target_identifier
		FROM pending_relationships ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying pending relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingRelationship
	for rows.Next() {
		var p PendingRelationship
		if err := rows.Scan(&p.ID, &p.ForIdentifier, &p.Name, &p.TargetIdentifier); err != nil {
			return nil, fmt.Errorf("scanning pending relationship: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePendingRelationship removes a resolved relationship.
func (s *Store) DeletePendingRelationship(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_relationships WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting pending relationship id=%d: %w", id, err)
	}
	return nil
}

// DeletePendingRelationshipsFor drops a single named pending relationship.
func (s *Store) DeletePendingRelationshipsFor(ctx context.Context, identifier, name string) error {
	const q = `DELETE FROM pending_relationships WHERE for_identifier = ? AND relationship_name = ?`
	if _, err := s.db.ExecContext(ctx, q, identifier, name); err != nil {
		return fmt.Errorf("deleting pending relationship %s.%s: %w", identifier, name, err)
	}
	return nil
}

// --- change tokens -----------------------------------------------------------

// Token returns the change token stored under key, or nil.
func (s *Store) Token(ctx context.Context, key string) (model.ChangeToken, error) {
	var token []byte
	err := s.db.QueryRowContext(ctx, `SELECT token FROM server_tokens WHERE zone = ?`, key).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading token %q: %w", key, err)
	}
	return model.ChangeToken(token), nil
}

// SaveToken stores token under key. A nil token deletes it.
func (s *Store) SaveToken(ctx context.Context, key string, token model.ChangeToken) error {
	if token == nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM server_tokens WHERE zone = ?`, key); err != nil {
			return fmt.Errorf("deleting token %q: %w", key, err)
		}
		return nil
	}
	const q = `
		INSERT INTO server_tokens (zone, token) VALUES (?, ?)
		ON CONFLICT(zone) DO UPDATE SET token = excluded.token`
	if _, err := s.db.ExecContext(ctx, q, key, []byte(token)); err != nil {
		return fmt.Errorf("saving token %q: %w", key, err)
	}
	return nil
}

// Purge deletes every bookkeeping row. Used when tracking is torn down.
func (s *Store) Purge(ctx context.Context) error {
	for _, table := range []string{"synced_entities", "record_snapshots", "pending_relationships", "server_tokens"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("purging %s: %w", table, err)
		}
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanEntity can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*SyncedEntity, error) {
	var e SyncedEntity
	var st int
	var keys, updated string

	err := s.Scan(&e.Identifier, &e.EntityType, &st, &keys, &updated, &e.ShareIdentifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning entity row: %w", err)
	}
	e.State = EntityState(st)
	if err := json.Unmarshal([]byte(keys), &e.ChangedKeys); err != nil {
		return nil, fmt.Errorf("decoding changed keys of %q: %w", e.Identifier, err)
	}
	e.Updated, _ = parseTime(updated)
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
