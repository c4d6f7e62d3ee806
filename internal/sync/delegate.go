package sync

import "github.com/njoerd114/zonesync/internal/model"

// Delegate observes the phases of a synchronization round. Calls are
// best-effort: they never affect the outcome, and a panicking delegate is
// recovered and logged. Per-zone hooks may be called concurrently.
type Delegate interface {
	WillStart()
	WillCheckZones()
	WillFetchChanges(zone model.ZoneID)
	DidFetchChanges(zone model.ZoneID, err error)
	WillUploadChanges(zone model.ZoneID)
	ZoneWasDeleted(zone model.ZoneID)
	DidSync(stats Stats)
	DidFail(err error)
}

// NopDelegate ignores every hook. Embed it to implement only some of them.
type NopDelegate struct{}

func (NopDelegate) WillStart() {}
func (NopDelegate) WillCheckZones() {}
func (NopDelegate) WillFetchChanges(model.ZoneID) {}
func (NopDelegate) DidFetchChanges(model.ZoneID, error) {}
func (NopDelegate) WillUploadChanges(model.ZoneID) {}
func (NopDelegate) ZoneWasDeleted(model.ZoneID) {}
func (NopDelegate) DidSync(Stats) {}
func (NopDelegate) DidFail(error) {}

// notify calls fn with the delegate, swallowing panics.
func (s *Synchronizer) notify(hook string, fn func(Delegate)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("delegate panicked", "hook", hook, "panic", r)
		}
	}()
	fn(s.delegate)
}
