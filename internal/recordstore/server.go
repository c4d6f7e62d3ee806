// Package recordstore is an in-process remote record store. A [Server] holds
// the zones of any number of users and hands out [remote.Database] views per
// user and scope. It implements per-zone and per-database change feeds with
// opaque tokens, optimistic concurrency through change tags, cascading
// deletion, and share-based visibility in the shared scope.
package recordstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/zonesync/internal/model"
	"github.com/njoerd114/zonesync/internal/remote"
)

// DefaultMaxBatch is the largest number of saves plus deletes accepted by one
// modify-records request.
const DefaultMaxBatch = 400

// Interceptor is consulted before every request. A non-nil error fails the
// request as-is.
type Interceptor func(ctx context.Context, user, op string) error

type zoneKey struct {
	owner string
	name  string
}

type zoneEvent struct {
	seq  int64
	name string
}

type zone struct {
	key     zoneKey
	epoch   int64
	records map[string]*model.Record
	feed    []zoneEvent
}

type dbEvent struct {
	seq     int64
	zone    zoneKey
	deleted bool
}

// Server is the shared state behind every Database view.
type Server struct {
	mu            sync.Mutex
	seq           int64
	zones         map[zoneKey]*zone
	feed          []dbEvent
	subscriptions map[string]map[string]model.Subscription
	maxBatch      int
	intercept     Interceptor
	now           func() time.Time
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{
		zones:         make(map[zoneKey]*zone),
		subscriptions: make(map[string]map[string]model.Subscription),
		maxBatch:      DefaultMaxBatch,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Database returns user's view of the given scope.
func (s *Server) Database(user string, scope model.Scope) *Database {
	return &Database{server: s, user: user, scope: scope}
}

// SetMaxBatch changes the modify-records request limit.
func (s *Server) SetMaxBatch(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBatch = n
}

// SetInterceptor installs a fault-injection hook. Nil removes it.
func (s *Server) SetInterceptor(fn Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// ExpireTokens invalidates every change token issued for a zone.
func (s *Server) ExpireTokens(owner, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z, ok := s.zones[zoneKey{owner, name}]; ok {
		z.epoch++
	}
}

// Records returns copies of every record in a zone, ordered by name.
func (s *Server) Records(owner, name string) []*model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneKey{owner, name}]
	if !ok {
		return nil
	}
	out := make([]*model.Record, 0, len(z.records))
	for _, n := range slices.Sorted(maps.Keys(z.records)) {
		out = append(out, z.records[n].Copy())
	}
	return out
}

// Subscriptions returns user's subscriptions ordered by ID.
func (s *Server) Subscriptions(user string) []model.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subscriptions[user]
	out := make([]model.Subscription, 0, len(subs))
	for _, id := range slices.Sorted(maps.Keys(subs)) {
		out = append(out, subs[id])
	}
	return out
}

func (s *Server) interceptor() Interceptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intercept
}

// --- locked helpers ----------------------------------------------------------

func (s *Server) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *Server) createZoneLocked(key zoneKey) *zone {
	if z, ok := s.zones[key]; ok {
		return z
	}
	z := &zone{key: key, epoch: s.seq + 1, records: make(map[string]*model.Record)}
	s.zones[key] = z
	s.feed = append(s.feed, dbEvent{seq: s.nextSeq(), zone: key})
	return z
}

func (s *Server) deleteZoneLocked(key zoneKey) {
	if _, ok := s.zones[key]; !ok {
		return
	}
	delete(s.zones, key)
	s.feed = append(s.feed, dbEvent{seq: s.nextSeq(), zone: key, deleted: true})
}

// touchLocked records a change of one record in the zone and database feeds.
func (s *Server) touchLocked(z *zone, name string) {
	seq := s.nextSeq()
	z.feed = append(z.feed, zoneEvent{seq: seq, name: name})
	s.feed = append(s.feed, dbEvent{seq: seq, zone: z.key})
}

func (s *Server) saveLocked(z *zone, rec *model.Record) *model.Record {
	stored := rec.Copy()
	for k, v := range stored.Fields {
		if v == nil {
			delete(stored.Fields, k)
		}
	}
	stored.ChangeTag = uuid.NewString()
	stored.Modified = s.now()
	z.records[stored.ID.Name] = stored
	s.touchLocked(z, stored.ID.Name)
	return stored.Copy()
}

// deleteLocked removes a record and, recursively, every record holding a
// deleteSelf reference to it. Shares pointing at nothing are detached from
// their roots.
func (s *Server) deleteLocked(z *zone, name string) {
	rec, ok := z.records[name]
	if !ok {
		return
	}
	delete(z.records, name)
	s.touchLocked(z, name)

	for _, other := range slices.Sorted(maps.Keys(z.records)) {
		r, ok := z.records[other]
		if !ok {
			continue
		}
		if referencesForDeletion(r, name) {
			s.deleteLocked(z, other)
			continue
		}
		if rec.IsShare() && r.Share != nil && r.Share.RecordID.Name == name {
			r.Share = nil
			r.ChangeTag = uuid.NewString()
			s.touchLocked(z, other)
		}
	}
}

func referencesForDeletion(r *model.Record, target string) bool {
	for _, v := range r.Fields {
		if ref, ok := v.(model.Reference); ok && ref.Action == model.ActionDeleteSelf && ref.RecordID.Name == target {
			return true
		}
	}
	return false
}

// sharePermission returns the best public permission granted by any share in
// the zone.
func sharePermission(z *zone) model.Permission {
	best := model.PermissionNone
	for _, r := range z.records {
		if r.IsShare() && r.PublicPermission() > best {
			best = r.PublicPermission()
		}
	}
	return best
}

// --- tokens ------------------------------------------------------------------

func encodeToken(epoch, seq int64) model.ChangeToken {
	return model.ChangeToken(strconv.FormatInt(epoch, 10) + ":" + strconv.FormatInt(seq, 10))
}

func decodeToken(tok model.ChangeToken) (epoch, seq int64, err error) {
	if tok == nil {
		return 0, 0, nil
	}
	e, q, ok := strings.Cut(string(tok), ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed token %q", tok)
	}
	if epoch, err = strconv.ParseInt(e, 10, 64); err != nil {
		return 0, 0, err
	}
	if seq, err = strconv.ParseInt(q, 10, 64); err != nil {
		return 0, 0, err
	}
	return epoch, seq, nil
}

func expired(err error) error {
	return remote.NewError(remote.CodeChangeTokenExpired, err)
}
