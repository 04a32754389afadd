package signals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"TradePipe/internal/domain/models"
	"TradePipe/internal/service/session"
	"TradePipe/pkg/bus"
	"TradePipe/pkg/logger"
)

const (
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultRetention     = time.Hour
)

var (
	ErrSignalNotFound = errors.New("signal not found")
	ErrSignalInactive = errors.New("signal is not active")
)

// SessionReader is the read-only view of sessions the store needs.
type SessionReader interface {
	GetSession(id string) (models.Session, bool)
}

type Option func(*Store)

func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

func WithSweepInterval(d time.Duration) Option { return func(s *Store) { s.sweepEvery = d } }

func WithRetention(d time.Duration) Option { return func(s *Store) { s.retention = d } }

func WithLogger(l *logger.Logger) Option { return func(s *Store) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store keeps per-session signals through ACTIVE -> EXPIRED|EXECUTED|CANCELLED.
// It never mutates sessions.
type Store struct {
	mu      sync.Mutex
	signals map[string]*models.StoredSignal

	sessions   SessionReader
	ttl        time.Duration
	sweepEvery time.Duration
	retention  time.Duration
	log        *logger.Logger
	now        func() time.Time
	changes    *bus.Topic[models.StoredSignal]
}

func NewStore(sessions SessionReader, opts ...Option) *Store {
	s := &Store{
		signals:    make(map[string]*models.StoredSignal),
		sessions:   sessions,
		ttl:        DefaultTTL,
		sweepEvery: DefaultSweepInterval,
		retention:  DefaultRetention,
		log:        logger.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.sweepEvery <= 0 {
		s.sweepEvery = DefaultSweepInterval
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	s.changes = bus.NewTopic[models.StoredSignal]("signal_lifecycle", nil)
	return s
}

// Changes receives a copy of every signal that leaves ACTIVE.
func (s *Store) Changes(buffer int) <-chan models.StoredSignal { return s.changes.Subscribe(buffer) }

// AddSignal stores sig for the session. It stores nothing and returns false
// unless the session exists and is ACTIVE or RUNNING.
func (s *Store) AddSignal(sessionID string, sig models.Signal) (models.StoredSignal, bool) {
	sess, ok := s.sessions.GetSession(sessionID)
	if !ok || !sess.Status.Trading() {
		return models.StoredSignal{}, false
	}
	now := s.now()
	stored := &models.StoredSignal{
		Signal:    sig,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Status:    models.StoredSignalActive,
	}
	s.mu.Lock()
	s.signals[stored.ID] = stored
	s.mu.Unlock()
	return *stored, true
}

func (s *Store) Get(id string) (models.StoredSignal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return models.StoredSignal{}, false
	}
	return *sig, true
}

// ActiveSignals lists a session's ACTIVE signals, oldest first.
func (s *Store) ActiveSignals(sessionID string) []models.StoredSignal {
	s.mu.Lock()
	out := make([]models.StoredSignal, 0)
	for _, sig := range s.signals {
		if sig.SessionID == sessionID && sig.Status == models.StoredSignalActive {
			out = append(out, *sig)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MarkExecuted moves an ACTIVE signal to EXECUTED.
func (s *Store) MarkExecuted(id string) error {
	s.mu.Lock()
	sig, ok := s.signals[id]
	if !ok {
		s.mu.Unlock()
		return ErrSignalNotFound
	}
	if sig.Status != models.StoredSignalActive {
		s.mu.Unlock()
		return ErrSignalInactive
	}
	sig.Status = models.StoredSignalExecuted
	out := *sig
	s.mu.Unlock()

	s.changes.Publish(out)
	return nil
}

// CancelSession cancels every ACTIVE signal of the session.
func (s *Store) CancelSession(sessionID string) int {
	s.mu.Lock()
	var cancelled []models.StoredSignal
	for _, sig := range s.signals {
		if sig.SessionID == sessionID && sig.Status == models.StoredSignalActive {
			sig.Status = models.StoredSignalCancelled
			cancelled = append(cancelled, *sig)
		}
	}
	s.mu.Unlock()

	for _, sig := range cancelled {
		s.changes.Publish(sig)
	}
	if len(cancelled) > 0 {
		s.log.Info("session signals cancelled",
			logger.String("session_id", sessionID), logger.Int("count", len(cancelled)))
	}
	return len(cancelled)
}

// Sweep expires ACTIVE signals past their TTL and purges finished signals
// older than the retention window.
func (s *Store) Sweep() (expired, purged int) {
	now := s.now()
	s.mu.Lock()
	var out []models.StoredSignal
	for id, sig := range s.signals {
		switch {
		case sig.Status == models.StoredSignalActive:
			if !now.Before(sig.ExpiresAt) {
				sig.Status = models.StoredSignalExpired
				out = append(out, *sig)
			}
		case now.Sub(sig.CreatedAt) > s.retention:
			delete(s.signals, id)
			purged++
		}
	}
	s.mu.Unlock()

	for _, sig := range out {
		s.changes.Publish(sig)
	}
	return len(out), purged
}

// OnSessionStatus cancels the session's ACTIVE signals once it leaves a
// trading status. Register it with session.Store.OnStatusChange.
func (s *Store) OnSessionStatus(_ context.Context, c session.StatusChange) {
	if c.To.Trading() {
		return
	}
	if n := s.CancelSession(c.SessionID); n > 0 {
		s.log.Debug("signals cancelled", logger.String("session_id", c.SessionID),
			logger.String("status", string(c.To)), logger.Int("count", n))
	}
}

// Run sweeps on an interval. It returns when ctx is done and closes Changes.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	defer s.changes.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired, purged := s.Sweep(); expired+purged > 0 {
				s.log.Debug("signal sweep", logger.Int("expired", expired), logger.Int("purged", purged))
			}
		}
	}
}

// Len is the number of signals held, in any status.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.signals)
}
