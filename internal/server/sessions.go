package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"docqa/internal/session"
)

var errUnknownSession = errors.New("unknown session")

// SessionFactory starts a session for a client. apiKey may be empty.
type SessionFactory func(apiKey string) (*session.Session, error)

// entry serializes the requests of one session and tracks its idle time.
type entry struct {
	sess     *session.Session
	mu       sync.Mutex
	active   int
	lastUsed time.Time
}

// sessionStore keeps the live sessions of the HTTP API. Sessions idle for
// longer than ttl are closed by sweep.
type sessionStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	create  SessionFactory
	ttl     time.Duration
	now     func() time.Time
}

func newSessionStore(create SessionFactory, ttl time.Duration) *sessionStore {
	return &sessionStore{
		entries: make(map[string]*entry),
		create:  create,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (st *sessionStore) open(apiKey string) (*session.Session, error) {
	s, err := st.create(apiKey)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.entries[s.ID()] = &entry{sess: s, lastUsed: st.now()}
	st.mu.Unlock()
	return s, nil
}

// acquire hands out the session for one request. Requests on the same
// session run one at a time; release must be called when the request ends.
func (st *sessionStore) acquire(id string) (*session.Session, func(), error) {
	st.mu.Lock()
	e, ok := st.entries[id]
	if !ok {
		st.mu.Unlock()
		return nil, nil, errUnknownSession
	}
	e.active++
	e.lastUsed = st.now()
	st.mu.Unlock()

	e.mu.Lock()
	release := func() {
		e.mu.Unlock()
		st.mu.Lock()
		e.active--
		e.lastUsed = st.now()
		st.mu.Unlock()
	}
	return e.sess, release, nil
}

func (st *sessionStore) close(id string) error {
	st.mu.Lock()
	e, ok := st.entries[id]
	delete(st.entries, id)
	st.mu.Unlock()
	if !ok {
		return errUnknownSession
	}
	closeEntry(e)
	return nil
}

// closeEntry waits for the request in flight, if any, then closes.
func closeEntry(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Close()
}

// sweep closes the sessions idle for longer than ttl and returns how many.
func (st *sessionStore) sweep() int {
	if st.ttl <= 0 {
		return 0
	}
	now := st.now()
	var idle []*entry
	st.mu.Lock()
	for id, e := range st.entries {
		if e.active == 0 && now.Sub(e.lastUsed) > st.ttl {
			idle = append(idle, e)
			delete(st.entries, id)
		}
	}
	st.mu.Unlock()

	for _, e := range idle {
		log.Info().Str("session", e.sess.ID()).Msg("Closing idle session")
		closeEntry(e)
	}
	return len(idle)
}

// sweepEvery runs sweep until ctx is done.
func (st *sessionStore) sweepEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st.sweep()
		}
	}
}

func (st *sessionStore) closeAll() {
	st.mu.Lock()
	entries := st.entries
	st.entries = make(map[string]*entry)
	st.mu.Unlock()
	for _, e := range entries {
		closeEntry(e)
	}
}
