package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/pkg/log"
)

// Mirror publishes presence transitions outside the process. Failures are
// reported but never change the in-process state.
type Mirror interface {
	MarkOnline(ctx context.Context, user domain.UserSummary) error
	MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error
	Refresh(ctx context.Context, userIDs []string) error
	Close() error
}

type entry struct {
	summary  domain.UserSummary
	conns    map[string]struct{}
	lastSeen *time.Time
}

// Store is the authoritative record of which identities have live
// connections. Online status is reference counted per identity, so an
// identity stays online until its last connection is gone.
type Store struct {
	users  map[string]*entry
	mu     sync.RWMutex
	mirror Mirror
	cancel context.CancelFunc
}

// NewStore creates a store. mirror may be nil.
func NewStore(mirror Mirror) *Store {
	return &Store{
		users:  make(map[string]*entry),
		mirror: mirror,
	}
}

// Connect records a live connection for the identity and reports whether
// the identity was offline before.
func (s *Store) Connect(ctx context.Context, identity *domain.Identity, connectionID string) bool {
	s.mu.Lock()
	e, ok := s.users[identity.UserID]
	if !ok {
		e = &entry{conns: make(map[string]struct{})}
		s.users[identity.UserID] = e
	}
	e.summary = identity.Summary()
	first := len(e.conns) == 0
	e.conns[connectionID] = struct{}{}
	summary := e.summary
	s.mu.Unlock()

	if first && s.mirror != nil {
		if err := s.mirror.MarkOnline(ctx, summary); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldUserID, identity.UserID).Msg("failed to mirror online presence")
		}
	}
	return first
}

// Disconnect drops a live connection and reports whether it was the
// identity's last one. Unknown connections are ignored.
func (s *Store) Disconnect(ctx context.Context, userID, connectionID string, at time.Time) bool {
	s.mu.Lock()
	e, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, held := e.conns[connectionID]; !held {
		s.mu.Unlock()
		return false
	}
	delete(e.conns, connectionID)
	last := len(e.conns) == 0
	if last {
		seen := at
		e.lastSeen = &seen
	}
	s.mu.Unlock()

	if last && s.mirror != nil {
		if err := s.mirror.MarkOffline(ctx, userID, at); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("failed to mirror offline presence")
		}
	}
	return last
}

func (s *Store) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[userID]
	return ok && len(e.conns) > 0
}

// ConnectionCount returns the number of live connections of an identity.
func (s *Store) ConnectionCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.users[userID]; ok {
		return len(e.conns)
	}
	return 0
}

// LastSeen returns when the identity last went offline.
func (s *Store) LastSeen(userID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[userID]
	if !ok || e.lastSeen == nil {
		return time.Time{}, false
	}
	return *e.lastSeen, true
}

// Online lists online identities ordered by username.
func (s *Store) Online() []domain.UserSummary {
	s.mu.RLock()
	users := make([]domain.UserSummary, 0, len(s.users))
	for _, e := range s.users {
		if len(e.conns) == 0 {
			continue
		}
		u := e.summary
		if e.lastSeen != nil {
			seen := *e.lastSeen
			u.LastSeen = &seen
		}
		users = append(users, u)
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].Username == users[j].Username {
			return users[i].ID < users[j].ID
		}
		return users[i].Username < users[j].Username
	})
	return users
}

func (s *Store) onlineIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.users))
	for id, e := range s.users {
		if len(e.conns) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// StartHeartbeat periodically refreshes the mirror from the in-process
// state so that mirrored entries expire if this process dies.
func (s *Store) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if s.mirror == nil || interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.heartbeatLoop(ctx, interval)
	l := log.L()
	l.Info().Dur("interval", interval).Msg("presence heartbeat started")
}

func (s *Store) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.mirror.Refresh(ctx, s.onlineIDs()); err != nil {
				l := log.L()
				l.Error().Err(err).Msg("failed to refresh presence mirror")
			}
		}
	}
}

// Close stops the heartbeat and releases the mirror.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.mirror != nil {
		return s.mirror.Close()
	}
	return nil
}
