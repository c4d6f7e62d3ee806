package sync

import (
	"errors"
	"fmt"

	"github.com/njoerd114/zonesync/internal/model"
)

var (
	// ErrAlreadySyncing rejects a Synchronize call while another is running.
	ErrAlreadySyncing = errors.New("synchronization already in progress")

	// ErrHigherModelVersionFound aborts a fetch that downloaded a record saved
	// by a client with a newer model. The app needs updating; retrying does
	// not help.
	ErrHigherModelVersionFound = errors.New("record saved with a higher model version")

	// ErrRecordNotFound is returned when sharing an object that was never
	// uploaded.
	ErrRecordNotFound = model.ErrRecordNotFound

	// ErrCancelled wraps the error of a run that stopped because it was
	// cancelled. Work persisted before the cancellation is kept.
	ErrCancelled = errors.New("synchronization cancelled")

	// ErrUnresolvedConflicts is matched by [*ConflictError].
	ErrUnresolvedConflicts = errors.New("unresolved record conflicts")

	// ErrNoAdapter is returned for zones no adapter is registered for.
	ErrNoAdapter = errors.New("no model adapter for zone")
)

// ConflictError lists records the server kept rejecting after the upload
// pass limit was reached.
type ConflictError struct {
	Zone   model.ZoneID
	Passes int
	IDs    []model.RecordID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d records of zone %s still rejected after %d upload passes", len(e.IDs), e.Zone, e.Passes)
}

func (e *ConflictError) Unwrap() error { return ErrUnresolvedConflicts }
