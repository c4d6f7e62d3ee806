package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/njoerd114/zonesync/internal/model"
)

var zone = model.NewZoneID("Companies")

func TestFetchDatabaseChanges_FollowsMoreComing(t *testing.T) {
	fake := newFakeDatabase()
	fake.dbPages = []*DatabaseChanges{
		{Changed: []model.ZoneID{zone}, Token: model.ChangeToken("1"), MoreComing: true},
		{Deleted: []model.ZoneID{model.NewZoneID("Old")}, Token: model.ChangeToken("2")},
	}

	completions := 0
	op := NewFetchDatabaseChangesOperation(fake, nil, func(*DatabaseChanges, error) { completions++ })
	op.Start(context.Background())
	got, err := op.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Changed) != 1 || len(got.Deleted) != 1 {
		t.Errorf("changed=%v deleted=%v", got.Changed, got.Deleted)
	}
	if string(got.Token) != "2" {
		t.Errorf("token = %q, want 2", got.Token)
	}
	if completions != 1 {
		t.Errorf("completion ran %d times, want 1", completions)
	}
	if string(fake.tokens[1]) != "1" {
		t.Errorf("second page requested with token %q, want 1", fake.tokens[1])
	}
}

func TestFetchZoneChanges_StopsWhenHandlerFails(t *testing.T) {
	fake := newFakeDatabase()
	fake.zonePages = []*ZoneChanges{
		{Token: model.ChangeToken("a"), MoreComing: true},
		{Token: model.ChangeToken("b"), MoreComing: true},
		{Token: model.ChangeToken("c")},
	}
	boom := errors.New("persist failed")
	pages := 0
	op := NewFetchZoneChangesOperation(fake, zone, model.ChangeToken("start"), 10,
		func(_ context.Context, page *ZoneChanges) error {
			pages++
			if string(page.Token) == "b" {
				return boom
			}
			return nil
		}, nil)
	op.Start(context.Background())
	tok, err := op.Wait()
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if string(tok) != "a" {
		t.Errorf("token = %q, want the last durable token a", tok)
	}
	if pages != 2 {
		t.Errorf("handled %d pages, want 2", pages)
	}
}

func TestModifyRecords_CancelPropagates(t *testing.T) {
	fake := newFakeDatabase()
	fake.block = make(chan struct{})

	var completionErr error
	op := NewModifyRecordsOperation(fake, nil, nil, func(_ *ModifyResult, err error) { completionErr = err })
	op.Start(context.Background())
	op.Cancel()
	_, err := op.Wait()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !errors.Is(completionErr, context.Canceled) {
		t.Errorf("completion err = %v", completionErr)
	}
}

func TestOperation_CancelBeforeStart(t *testing.T) {
	fake := newFakeDatabase()
	op := NewModifyZonesOperation(fake, []model.ZoneID{zone}, nil, nil)
	op.Cancel()
	op.Start(context.Background())
	if _, err := op.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestOperation_WaitWithoutStart(t *testing.T) {
	op := NewModifySubscriptionsOperation(newFakeDatabase(), nil, nil, nil)
	if _, err := op.Wait(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
}

func TestModifyRecords_PassesResultThrough(t *testing.T) {
	fake := newFakeDatabase()
	server := model.NewRecord("Company", model.RecordID{Name: "Company.1", Zone: zone})
	fake.modify = &ModifyResult{Conflicts: []Conflict{{Server: server}}}

	op := NewModifyRecordsOperation(fake, []*model.Record{server}, nil, nil)
	op.Start(context.Background())
	res, err := op.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Conflicts) != 1 || len(res.Saved) != 0 {
		t.Errorf("result = %+v", res)
	}
}
