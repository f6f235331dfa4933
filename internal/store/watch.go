package store

import (
	"context"
	"log/slog"
	"sync"
)

// Subscription is a restartable sequence of result-set snapshots for one
// query, re-emitted whenever a write transaction commits against one of the
// tables the subscription was registered for. It generalizes the "watch
// query" idea via a plain broadcast-on-commit channel, since SQLite exposes
// no native change-notification stream.
type Subscription struct {
	C <-chan []Row

	db       *DB
	id       uint64
	query    string
	args     []any
	tables   map[string]struct{}
	c        chan []Row
	cancel   context.CancelFunc
	closeOnc sync.Once
}

// Close stops the subscription and unregisters it. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.closeOnc.Do(func() {
		s.cancel()
		s.db.watchers.remove(s.id)
		close(s.c)
	})
}

type watchRegistry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{subs: make(map[uint64]*Subscription)}
}

// Watch registers a live query: its result set is computed immediately and
// delivered on the returned Subscription's channel, and recomputed and
// re-delivered every time a WriteTransaction commits touching any table in
// triggerTables. The channel has a small buffer; a slow consumer that falls
// behind gets the latest snapshot, not a queue of stale ones.
func (db *DB) Watch(ctx context.Context, query string, args []any, triggerTables []string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)

	tables := make(map[string]struct{}, len(triggerTables))
	for _, t := range triggerTables {
		tables[t] = struct{}{}
	}

	c := make(chan []Row, 1)
	sub := &Subscription{
		C:      c,
		db:     db,
		query:  query,
		args:   args,
		tables: tables,
		c:      c,
		cancel: cancel,
	}

	db.watchers.mu.Lock()
	db.watchers.nextID++
	sub.id = db.watchers.nextID
	db.watchers.subs[sub.id] = sub
	db.watchers.mu.Unlock()

	go sub.refresh(ctx)

	return sub
}

func (s *Subscription) refresh(ctx context.Context) {
	rows, err := s.db.GetAll(ctx, s.query, s.args...)
	if err != nil {
		slog.Error("watch query failed", "query", s.query, "err", err)
		return
	}
	select {
	case <-ctx.Done():
		return
	default:
	}
	s.deliver(rows)
}

func (s *Subscription) deliver(rows []Row) {
	select {
	case s.c <- rows:
	default:
		// drop the stale pending snapshot, keep only the latest
		select {
		case <-s.c:
		default:
		}
		select {
		case s.c <- rows:
		default:
		}
	}
}

func (r *watchRegistry) remove(id uint64) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// notify refreshes every live subscription whose trigger tables intersect
// the committed write's tables. Refresh runs in its own goroutine per
// subscription so one slow watcher never blocks the committing writer or
// its siblings.
func (r *watchRegistry) notify(tables []string) {
	if len(tables) == 0 {
		return
	}

	r.mu.Lock()
	matched := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		for _, t := range tables {
			if _, ok := sub.tables[t]; ok {
				matched = append(matched, sub)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, sub := range matched {
		go sub.refresh(context.Background())
	}
}
