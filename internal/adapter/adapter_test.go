package adapter

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/zonesync/internal/localstore"
	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/state"
	"github.com/njoerd114/zonesync/internal/tracking"
)

var testZone = model.NewZoneID("Companies")

func testSchema() []localstore.EntityDescriptor {
	return []localstore.EntityDescriptor{
		{Name: "Company", PrimaryKey: "identifier"},
		{
			Name:          "Employee",
			PrimaryKey:    "identifier",
			ParentKey:     "company",
			Relationships: map[string]string{"company": "Company"},
		},
	}
}

type fixture struct {
	local   *localstore.Store
	state   *state.Store
	adapter *Adapter
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	local, err := localstore.New(testSchema()...)
	require.NoError(t, err)
	st, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if opts.Zone.IsZero() {
		opts.Zone = testZone
	}
	a := New(local, st, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(a.Close)
	return &fixture{local: local, state: st, adapter: a}
}

func (f *fixture) write(t *testing.T, fn func(tx *localstore.Tx) error) {
	t.Helper()
	require.NoError(t, f.local.Write(context.Background(), fn))
}

func (f *fixture) get(t *testing.T, entity, key string) map[string]any {
	t.Helper()
	obj, ok := f.local.Get(model.ObjectRef{Entity: entity, Key: key})
	require.True(t, ok, "%s.%s missing", entity, key)
	return obj.Values
}

func (f *fixture) entityState(t *testing.T, id string) state.EntityState {
	t.Helper()
	e, err := f.state.Entity(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e, "no entity %s", id)
	return e.State
}

// uploadAll simulates a server accepting every pending record.
func (f *fixture) uploadAll(t *testing.T) []*model.Record {
	t.Helper()
	ctx := context.Background()
	recs, err := f.adapter.RecordsToUpload(ctx, 100)
	require.NoError(t, err)
	saved := make([]*model.Record, 0, len(recs))
	for _, r := range recs {
		cp := r.Copy()
		cp.ChangeTag = "tag-" + r.ID.Name
		saved = append(saved, cp)
	}
	require.NoError(t, f.adapter.DidUpload(ctx, saved))
	return saved
}

func companyRecord(key, name string) *model.Record {
	r := model.NewRecord("Company", model.RecordID{Name: model.Identifier("Company", key), Zone: testZone})
	r.ChangeTag = "server-" + key
	r.Set("name", name)
	return r
}

func employeeRecord(key, name, company string) *model.Record {
	r := model.NewRecord("Employee", model.RecordID{Name: model.Identifier("Employee", key), Zone: testZone})
	r.ChangeTag = "server-" + key
	r.Set("name", name)
	r.Set("company", model.Reference{
		RecordID: model.RecordID{Name: model.Identifier("Company", company), Zone: testZone},
		Action:   model.ActionDeleteSelf,
	})
	return r
}

func insertCompany(key, name string) func(tx *localstore.Tx) error {
	return func(tx *localstore.Tx) error {
		_, err := tx.Insert("Company", map[string]any{"identifier": key, "name": name})
		return err
	}
}

// ---------------------------------------------------------------------------
// Upload path
// ---------------------------------------------------------------------------

func TestAcmeScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.write(t, insertCompany("acme", "Acme"))
	assert.Equal(t, state.StateNew, f.entityState(t, "Company.acme"))

	recs, err := f.adapter.RecordsToUpload(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Acme", recs[0].Fields["name"])
	assert.Equal(t, "Company", recs[0].Type)
	assert.Equal(t, testZone, recs[0].ID.Zone)
	_, hasPK := recs[0].Fields["identifier"]
	assert.False(t, hasPK)

	require.NoError(t, f.adapter.DidUpload(ctx, recs))
	assert.Equal(t, state.StateSynced, f.entityState(t, "Company.acme"))
	has, err := f.adapter.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRecordsToUpload_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.write(t, insertCompany("1", "One"))
	f.write(t, insertCompany("2", "Two"))

	first, err := f.adapter.RecordsToUpload(ctx, 10)
	require.NoError(t, err)
	second, err := f.adapter.RecordsToUpload(ctx, 10)
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Fields, second[i].Fields)
	}
}

func TestRecordsToUpload_NewBeforeChanged(t *testing.T) {
	f := newFixture(t, Options{})
	f.write(t, insertCompany("old", "Old"))
	f.uploadAll(t)
	f.write(t, func(tx *localstore.Tx) error {
		return tx.Update(model.ObjectRef{Entity: "Company", Key: "old"}, map[string]any{"name": "Older"})
	})
	f.write(t, insertCompany("new", "New"))

	recs, err := f.adapter.RecordsToUpload(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Company.new", recs[0].ID.Name)
	assert.Equal(t, "Company.old", recs[1].ID.Name)
	assert.Equal(t, "tag-Company.old", recs[1].ChangeTag, "changed records carry the server change tag")
}

func TestRecordsToUpload_ParentFirst(t *testing.T) {
	f := newFixture(t, Options{})
	company := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, insertCompany("1", "Acme"))
	f.uploadAll(t)

	// Dirty parent (changed) and dirty child (new).
	f.write(t, func(tx *localstore.Tx) error {
		if err := tx.Update(company, map[string]any{"name": "Acme Corp"}); err != nil {
			return err
		}
		_, err := tx.Insert("Employee", map[string]any{"identifier": "e1", "name": "Ann", "company": company})
		return err
	})

	recs, err := f.adapter.RecordsToUpload(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 2, "parent is included out of band of the limit")
	assert.Equal(t, "Company.1", recs[0].ID.Name)
	assert.Equal(t, "Employee.e1", recs[1].ID.Name)

	child := recs[1]
	ref, ok := child.Fields["company"].(model.Reference)
	require.True(t, ok)
	assert.Equal(t, "Company.1", ref.RecordID.Name)
	assert.Equal(t, model.ActionDeleteSelf, ref.Action)
	require.NotNil(t, child.Parent)
	assert.Equal(t, "Company.1", child.Parent.RecordID.Name)
}

func TestRecordsToUpload_ChangedSendsOnlyDirtyKeys(t *testing.T) {
	f := newFixture(t, Options{})
	ref := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, func(tx *localstore.Tx) error {
		_, err := tx.Insert("Company", map[string]any{"identifier": "1", "name": "Acme", "city": "Berlin"})
		return err
	})
	f.uploadAll(t)
	f.write(t, func(tx *localstore.Tx) error { return tx.Update(ref, map[string]any{"city": nil}) })

	recs, err := f.adapter.RecordsToUpload(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, hasCity := recs[0].Fields["city"]
	assert.False(t, hasCity, "cleared field is removed from the record")
	assert.Equal(t, "Acme", recs[0].Fields["name"], "snapshot fields are kept")
}

func TestDidUpload_KeepsKeysChangedDuringUpload(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ref := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, insertCompany("1", "Acme"))
	f.uploadAll(t)

	f.write(t, func(tx *localstore.Tx) error { return tx.Update(ref, map[string]any{"name": "Acme Corp"}) })
	recs, err := f.adapter.RecordsToUpload(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// Edited while the batch is in flight.
	f.write(t, func(tx *localstore.Tx) error { return tx.Update(ref, map[string]any{"city": "Berlin"}) })

	require.NoError(t, f.adapter.DidUpload(ctx, recs))
	e, err := f.state.Entity(ctx, "Company.1")
	require.NoError(t, err)
	assert.Equal(t, state.StateChanged, e.State)
	assert.Equal(t, []string{"city"}, e.ChangedKeys)
}

func TestDeletionPropagation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ref := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, insertCompany("1", "Acme"))
	f.uploadAll(t)

	f.write(t, func(tx *localstore.Tx) error { return tx.Delete(ref) })

	ids, err := f.adapter.RecordIDsMarkedForDeletion(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []model.RecordID{{Name: "Company.1", Zone: testZone}}, ids)

	recs, err := f.adapter.RecordsToUpload(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "deleted objects are not uploaded")

	require.NoError(t, f.adapter.DidDelete(ctx, ids))
	has, err := f.adapter.HasRecordID(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, has)
	pending, err := f.adapter.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRecordsToUpdateParentRelationshipsForRoot(t *testing.T) {
	f := newFixture(t, Options{})
	company := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, func(tx *localstore.Tx) error {
		if err := insertCompany("1", "Acme")(tx); err != nil {
			return err
		}
		for _, key := range []string{"e1", "e2"} {
			if _, err := tx.Insert("Employee", map[string]any{"identifier": key, "company": company}); err != nil {
				return err
			}
		}
		return nil
	})
	f.uploadAll(t)

	recs, err := f.adapter.RecordsToUpdateParentRelationshipsForRoot(context.Background(), company)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "Company.1", recs[0].ID.Name)
	for _, r := range recs[1:] {
		require.NotNil(t, r.Parent)
		assert.Equal(t, "Company.1", r.Parent.RecordID.Name)
		assert.NotEmpty(t, r.ChangeTag)
	}
}

// ---------------------------------------------------------------------------
// Import path
// ---------------------------------------------------------------------------

func (f *fixture) importRecords(t *testing.T, recs ...*model.Record) {
	t.Helper()
	ctx := context.Background()
	f.adapter.PrepareToImport()
	require.NoError(t, f.adapter.SaveChanges(ctx, recs))
	require.NoError(t, f.adapter.PersistImportedChanges(ctx))
	f.adapter.DidFinishImport(nil)
}

func TestImport_CreatesSyncedObject(t *testing.T) {
	f := newFixture(t, Options{})
	f.importRecords(t, companyRecord("1", "Acme"))

	vals := f.get(t, "Company", "1")
	assert.Equal(t, "Acme", vals["name"])
	assert.Equal(t, "1", vals["identifier"])
	assert.Equal(t, state.StateSynced, f.entityState(t, "Company.1"))

	has, err := f.adapter.HasChanges(context.Background())
	require.NoError(t, err)
	assert.False(t, has, "imports are not local changes")
}

func conflictFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := newFixture(t, opts)
	f.write(t, func(tx *localstore.Tx) error {
		_, err := tx.Insert("Company", map[string]any{"identifier": "1", "name": "Acme", "city": "Berlin"})
		return err
	})
	f.uploadAll(t)
	f.write(t, func(tx *localstore.Tx) error {
		return tx.Update(model.ObjectRef{Entity: "Company", Key: "1"}, map[string]any{"name": "Local Name"})
	})
	return f
}

// commitHook runs fn after every committed local write.
type commitHook struct{ fn func(author string) }

func (commitHook) ObjectChanged(localstore.Change, string) {}
func (h commitHook) TransactionCommitted(author string)    { h.fn(author) }
func (commitHook) TransactionRolledBack(string)            {}

func TestImport_KeepsEditFlushedAfterImportWrite(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.write(t, insertCompany("1", "Acme"))
	f.uploadAll(t)

	// A local edit whose bookkeeping lands between the import write and the
	// entity save.
	fired := false
	cancel := f.local.Observe(commitHook{fn: func(author string) {
		if author != tracking.ImportAuthor || fired {
			return
		}
		fired = true
		e, err := f.state.Entity(ctx, "Company.1")
		if assert.NoError(t, err) && assert.NotNil(t, e) {
			e.State = state.StateChanged
			e.ChangedKeys = []string{"name"}
			assert.NoError(t, f.state.SaveEntity(ctx, e))
		}
	}})
	defer cancel()

	f.importRecords(t, companyRecord("1", "Remote"))
	require.True(t, fired)

	e, err := f.state.Entity(ctx, "Company.1")
	require.NoError(t, err)
	assert.Equal(t, state.StateChanged, e.State)
	assert.Equal(t, []string{"name"}, e.ChangedKeys)
}

func TestImport_ConcurrentLocalEditsAreNeverLost(t *testing.T) {
	f := newFixture(t, Options{MergePolicy: MergeClient})
	ctx := context.Background()
	ref := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, insertCompany("1", "Acme"))
	f.uploadAll(t)

	for i := range 50 {
		city := "city-" + strconv.Itoa(i)
		edited := make(chan error, 1)
		go func() {
			edited <- f.local.Write(ctx, func(tx *localstore.Tx) error {
				return tx.Update(ref, map[string]any{"city": city})
			})
		}()
		remote := companyRecord("1", "Remote "+strconv.Itoa(i))
		remote.Set("city", "server")
		f.importRecords(t, remote)
		require.NoError(t, <-edited)

		e, err := f.state.Entity(ctx, "Company.1")
		require.NoError(t, err)
		require.Equal(t, state.StateChanged, e.State, "iteration %d", i)
		require.Contains(t, e.ChangedKeys, "city", "iteration %d", i)
		require.Equal(t, city, f.get(t, "Company", "1")["city"], "iteration %d", i)

		f.uploadAll(t)
		require.Equal(t, state.StateSynced, f.entityState(t, "Company.1"))
	}
}

func TestDeleteAndReinsert_UploadsNewContent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ref := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, insertCompany("1", "Acme"))
	f.uploadAll(t)

	f.write(t, func(tx *localstore.Tx) error {
		if err := tx.Delete(ref); err != nil {
			return err
		}
		return insertCompany("1", "Acme Reborn")(tx)
	})

	has, err := f.adapter.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, has)
	recs, err := f.adapter.RecordsToUpload(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Acme Reborn", recs[0].Fields["name"])
	assert.Equal(t, "tag-Company.1", recs[0].ChangeTag, "updates the existing server record")
}

func TestMergePolicy_Server(t *testing.T) {
	f := conflictFixture(t, Options{MergePolicy: MergeServer})
	remote := companyRecord("1", "Remote Name")
	remote.Set("city", "Paris")
	f.importRecords(t, remote)

	vals := f.get(t, "Company", "1")
	assert.Equal(t, "Remote Name", vals["name"])
	assert.Equal(t, "Paris", vals["city"])
	assert.Equal(t, "1", vals["identifier"], "primary key is never overwritten")
}

func TestMergePolicy_Client(t *testing.T) {
	f := conflictFixture(t, Options{MergePolicy: MergeClient})
	remote := companyRecord("1", "Remote Name")
	remote.Set("city", "Paris")
	f.importRecords(t, remote)

	vals := f.get(t, "Company", "1")
	assert.Equal(t, "Local Name", vals["name"], "locally changed field is kept")
	assert.Equal(t, "Paris", vals["city"], "untouched field catches up")
	assert.Equal(t, state.StateChanged, f.entityState(t, "Company.1"))
}

func TestMergePolicy_Custom(t *testing.T) {
	var seen map[string]any
	f := conflictFixture(t, Options{
		MergePolicy: MergeCustom,
		Resolver: func(_ model.ObjectRef, incoming, _ map[string]any) map[string]any {
			seen = incoming
			return map[string]any{"city": incoming["city"]}
		},
	})
	remote := companyRecord("1", "Remote Name")
	remote.Set("city", "Paris")
	f.importRecords(t, remote)

	assert.Equal(t, "Remote Name", seen["name"])
	vals := f.get(t, "Company", "1")
	assert.Equal(t, "Local Name", vals["name"])
	assert.Equal(t, "Paris", vals["city"])
}

func TestMergePolicy_SyncedObjectIsOverwritten(t *testing.T) {
	f := newFixture(t, Options{MergePolicy: MergeClient})
	f.write(t, func(tx *localstore.Tx) error {
		_, err := tx.Insert("Company", map[string]any{"identifier": "1", "name": "Acme", "city": "Berlin"})
		return err
	})
	f.uploadAll(t)

	f.importRecords(t, companyRecord("1", "Remote"))
	vals := f.get(t, "Company", "1")
	assert.Equal(t, "Remote", vals["name"])
	_, hasCity := vals["city"]
	assert.False(t, hasCity, "fields missing from the server record are cleared")
}

func TestImport_ReversedOrderWiresRelationships(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Child arrives in an earlier batch than its parent.
	f.importRecords(t, employeeRecord("e1", "Ann", "1"))
	assert.Nil(t, f.get(t, "Employee", "e1")["company"])
	pending, err := f.state.PendingRelationships(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.importRecords(t, companyRecord("1", "Acme"))
	assert.Equal(t, model.ObjectRef{Entity: "Company", Key: "1"}, f.get(t, "Employee", "e1")["company"])
	pending, err = f.state.PendingRelationships(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Persisting again is a no-op.
	require.NoError(t, f.adapter.PersistImportedChanges(ctx))
	has, err := f.adapter.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestImport_BadRecordDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, Options{})
	bad := model.NewRecord("Ghost", model.RecordID{Name: "Ghost.1", Zone: testZone})
	malformed := model.NewRecord("Company", model.RecordID{Name: "nodot", Zone: testZone})
	f.importRecords(t, bad, malformed, companyRecord("1", "Acme"))
	assert.Equal(t, "Acme", f.get(t, "Company", "1")["name"])
}

func TestImport_LocallyDeletedIsSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	ref := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, insertCompany("1", "Acme"))
	f.uploadAll(t)
	f.write(t, func(tx *localstore.Tx) error { return tx.Delete(ref) })

	f.importRecords(t, companyRecord("1", "Resurrected"))
	_, ok := f.local.Get(ref)
	assert.False(t, ok)
	assert.Equal(t, state.StateDeleted, f.entityState(t, "Company.1"))
}

func TestDeleteRecords(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.importRecords(t, companyRecord("1", "Acme"), employeeRecord("e1", "Ann", "1"))

	id := model.RecordID{Name: "Company.1", Zone: testZone}
	require.NoError(t, f.adapter.DeleteRecords(ctx, []model.RecordID{id}))

	_, ok := f.local.Get(model.ObjectRef{Entity: "Company", Key: "1"})
	assert.False(t, ok)
	_, ok = f.local.Get(model.ObjectRef{Entity: "Employee", Key: "e1"})
	assert.False(t, ok, "children cascade locally")
	has, err := f.adapter.HasRecordID(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = f.adapter.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, has, "remote deletions are not uploaded back")
}

func TestRoundTripIntoSecondStore(t *testing.T) {
	a := newFixture(t, Options{})
	company := model.ObjectRef{Entity: "Company", Key: "1"}
	a.write(t, func(tx *localstore.Tx) error {
		if _, err := tx.Insert("Company", map[string]any{
			"identifier": "1", "name": "Acme", "employees": int64(12), "public": true, "rating": 4.5,
		}); err != nil {
			return err
		}
		_, err := tx.Insert("Employee", map[string]any{"identifier": "e1", "name": "Ann", "company": company})
		return err
	})
	saved := a.uploadAll(t)

	// The snapshot codec is what travels between devices.
	var downloaded []*model.Record
	for i := len(saved) - 1; i >= 0; i-- {
		blob, err := model.EncodeRecord(saved[i])
		require.NoError(t, err)
		rec, err := model.DecodeRecord(blob)
		require.NoError(t, err)
		downloaded = append(downloaded, rec)
	}

	b := newFixture(t, Options{})
	b.importRecords(t, downloaded...)

	assert.Equal(t, a.get(t, "Company", "1"), b.get(t, "Company", "1"))
	assert.Equal(t, a.get(t, "Employee", "e1"), b.get(t, "Employee", "e1"))
}

// ---------------------------------------------------------------------------
// Tokens, sharing, teardown
// ---------------------------------------------------------------------------

func TestTokensAndHasSyncedOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	once, err := f.adapter.HasSyncedOnce(ctx)
	require.NoError(t, err)
	assert.False(t, once)

	require.NoError(t, f.adapter.SaveToken(ctx, model.ChangeToken("t1")))
	tok, err := f.adapter.ServerChangeToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeToken("t1"), tok)
	once, _ = f.adapter.HasSyncedOnce(ctx)
	assert.True(t, once)
}

func TestShareLifecycle(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ref := model.ObjectRef{Entity: "Company", Key: "1"}

	_, err := f.adapter.Record(ctx, ref)
	require.ErrorIs(t, err, model.ErrRecordNotFound)

	f.write(t, insertCompany("1", "Acme"))
	_, err = f.adapter.Record(ctx, ref)
	require.ErrorIs(t, err, model.ErrRecordNotFound, "not uploaded yet")

	f.uploadAll(t)
	root, err := f.adapter.Record(ctx, ref)
	require.NoError(t, err)
	share := model.NewShare(root, model.PermissionReadWrite, "Acme")
	require.NoError(t, f.adapter.SaveShare(ctx, share, ref))

	got, err := f.adapter.Share(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.PermissionReadWrite, got.PublicPermission())

	recs, err := f.adapter.RecordsToUpload(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "shares are never queued for upload")

	require.NoError(t, f.adapter.DeleteShare(ctx, ref))
	got, err = f.adapter.Share(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteRecords_DetachesDeletedShare(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ref := model.ObjectRef{Entity: "Company", Key: "1"}
	f.write(t, insertCompany("1", "Acme"))
	f.uploadAll(t)

	root, err := f.adapter.Record(ctx, ref)
	require.NoError(t, err)
	share := model.NewShare(root, model.PermissionReadWrite, "Acme")
	require.NoError(t, f.adapter.SaveShare(ctx, share, ref))
	f.write(t, func(tx *localstore.Tx) error { return tx.Update(ref, map[string]any{"name": "Acme AG"}) })
	saved := f.uploadAll(t)
	require.Len(t, saved, 1)
	require.NotNil(t, saved[0].Share)

	// The share was deleted on the server.
	require.NoError(t, f.adapter.DeleteRecords(ctx, []model.RecordID{share.ID}))

	got, err := f.adapter.Share(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "Acme AG", f.get(t, "Company", "1")["name"], "the shared object stays")

	f.write(t, func(tx *localstore.Tx) error { return tx.Update(ref, map[string]any{"name": "Acme SE"}) })
	recs, err := f.adapter.RecordsToUpload(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Share)
}

func TestMergePolicy_CustomResolverNeverSeesRelationships(t *testing.T) {
	var seen []map[string]any
	f := newFixture(t, Options{
		MergePolicy: MergeCustom,
		Resolver: func(_ model.ObjectRef, incoming, _ map[string]any) map[string]any {
			seen = append(seen, incoming)
			return incoming
		},
	})
	company := model.ObjectRef{Entity: "Company", Key: "1"}
	employee := model.ObjectRef{Entity: "Employee", Key: "e1"}
	f.write(t, insertCompany("1", "Acme"))
	f.write(t, func(tx *localstore.Tx) error {
		_, err := tx.Insert("Employee", map[string]any{"identifier": "e1", "name": "Ann", "company": company})
		return err
	})
	f.uploadAll(t)
	f.write(t, func(tx *localstore.Tx) error { return tx.Update(employee, map[string]any{"name": "Local Ann"}) })

	remote := employeeRecord("e1", "Remote Ann", "1")
	remote.Set("company", nil)
	f.importRecords(t, remote)

	require.Len(t, seen, 1)
	assert.NotContains(t, seen[0], "company")
	assert.Equal(t, "Remote Ann", seen[0]["name"])
	_, linked := f.get(t, "Employee", "e1")["company"]
	assert.False(t, linked, "the server cleared the relationship")
}

func TestImport_ShareBeforeAndAfterRoot(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ref := model.ObjectRef{Entity: "Company", Key: "1"}

	root := companyRecord("1", "Acme")
	share := model.NewShare(root, model.PermissionReadOnly, "")

	// Root first: the share link is deferred until the share arrives.
	f.importRecords(t, root)
	got, err := f.adapter.Share(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, got)

	f.importRecords(t, share)
	got, err = f.adapter.Share(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.PermissionReadOnly, got.PublicPermission())
}

func TestZoneShare(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	got, err := f.adapter.ShareForRecordZone(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, f.adapter.SaveShareForRecordZone(ctx, model.NewZoneShare(testZone, model.PermissionReadOnly, "")))
	got, err = f.adapter.ShareForRecordZone(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, f.adapter.DeleteShareForRecordZone(ctx))
	got, err = f.adapter.ShareForRecordZone(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteChangeTracking(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.write(t, insertCompany("1", "Acme"))
	require.NoError(t, f.adapter.SaveToken(ctx, model.ChangeToken("t")))

	require.NoError(t, f.adapter.DeleteChangeTracking(ctx))
	has, err := f.adapter.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, has)
	once, _ := f.adapter.HasSyncedOnce(ctx)
	assert.False(t, once)

	// No longer observed.
	f.write(t, insertCompany("2", "Beta"))
	has, _ = f.adapter.HasChanges(ctx)
	assert.False(t, has)
}

func TestSubscribeLocalChanges(t *testing.T) {
	f := newFixture(t, Options{})
	fired := 0
	cancel := f.adapter.SubscribeLocalChanges(func() { fired++ })
	defer cancel()
	f.write(t, insertCompany("1", "Acme"))
	assert.Equal(t, 1, fired)
}

func TestParseMergePolicy(t *testing.T) {
	for in, want := range map[string]MergePolicy{"": MergeServer, "server": MergeServer, "Client": MergeClient, "custom": MergeCustom} {
		got, err := ParseMergePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" && in != "Client" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParseMergePolicy("bogus")
	assert.Error(t, err)
}
