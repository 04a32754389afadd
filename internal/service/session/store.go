package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	"TradePipe/pkg/logger"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidTransition   = errors.New("invalid session status transition")
	ErrSessionClosed       = errors.New("session is completed")
)

var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionPending: {models.SessionActive, models.SessionRunning},
	models.SessionActive:  {models.SessionRunning, models.SessionPaused, models.SessionCompleted},
	models.SessionRunning: {models.SessionPaused, models.SessionCompleted},
	models.SessionPaused:  {models.SessionRunning, models.SessionCompleted},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to models.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChange describes one successful status transition.
type StatusChange struct {
	SessionID string
	From      models.SessionStatus
	To        models.SessionStatus
	At        time.Time
}

// StatusHook observes status transitions. Hooks run synchronously on the
// transition path while the session is still locked, so a hook must not
// mutate the same session.
type StatusHook func(ctx context.Context, c StatusChange)

type Option func(*Store)

func WithRepository(r domrepo.SessionRepository) Option { return func(s *Store) { s.repo = r } }

func WithPublisher(p domrepo.EventPublisher) Option { return func(s *Store) { s.events = p } }

func WithLogger(l *logger.Logger) Option { return func(s *Store) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store is the single source of truth for sessions and their participants.
// Mutations of one session are serialized by a per-session lock that is
// held until the snapshot reaches the repository, so snapshots are saved
// in the order the mutations happened.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	locks    sync.Map // session id -> *sync.Mutex

	repo   domrepo.SessionRepository
	events domrepo.EventPublisher
	log    *logger.Logger
	now    func() time.Time

	hookMu sync.RWMutex
	hooks  []StatusHook
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*models.Session),
		log:      logger.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnStatusChange registers a hook called after every status transition.
func (s *Store) OnStatusChange(h StatusHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Store) notify(ctx context.Context, c StatusChange) {
	s.hookMu.RLock()
	hooks := append([]StatusHook(nil), s.hooks...)
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, c)
	}
}

func (s *Store) lockSession(id string) (unlock func()) {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *Store) CreateSession(ctx context.Context, adminID string, cfg models.SessionConfig) (models.Session, error) {
	if adminID == "" {
		return models.Session{}, fmt.Errorf("create session: admin id is required")
	}
	if len(cfg.Markets) == 0 {
		return models.Session{}, fmt.Errorf("create session: at least one market is required")
	}
	sess := &models.Session{
		ID:        uuid.NewString(),
		Status:    models.SessionPending,
		Config:    cfg,
		AdminID:   adminID,
		CreatedAt: s.now().UTC(),
	}
	sess.Config.Markets = append([]string(nil), cfg.Markets...)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	snap := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, snap)
	s.publish(ctx, models.EventSessionCreated, snap.ID, models.SessionEventPayload{SessionID: snap.ID, UserID: adminID, Status: snap.Status})
	s.log.Info("session created", logger.String("session_id", snap.ID), logger.Strings("markets", snap.Config.Markets))
	return snap, nil
}

func (s *Store) GetSession(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return sess.Clone(), true
}

// ListSessions returns every session ordered by creation time.
func (s *Store) ListSessions() []models.Session {
	return s.filter(func(*models.Session) bool { return true })
}

func (s *Store) SessionsByStatus(statuses ...models.SessionStatus) []models.Session {
	return s.filter(func(sess *models.Session) bool {
		for _, st := range statuses {
			if sess.Status == st {
				return true
			}
		}
		return false
	})
}

// TradingSessionsForMarket returns ACTIVE or RUNNING sessions whose
// allow-list contains market.
func (s *Store) TradingSessionsForMarket(market string) []models.Session {
	return s.filter(func(sess *models.Session) bool {
		return sess.Status.Trading() && sess.Config.AllowsMarket(market)
	})
}

func (s *Store) filter(keep func(*models.Session) bool) []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateSessionStatus applies a status transition. An illegal transition
// returns ErrInvalidTransition and leaves the session untouched.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, to models.SessionStatus) (models.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()
	now := s.now().UTC()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return models.Session{}, ErrSessionNotFound
	}
	from := sess.Status
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return models.Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	sess.Status = to
	if to.Trading() && sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	if to == models.SessionCompleted {
		sess.CompletedAt = &now
	}
	snap := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, snap)
	if to == models.SessionCompleted {
		s.publish(ctx, models.EventSessionTerminated, id, models.SessionEventPayload{SessionID: id, Status: to})
	}
	s.log.Info("session status changed",
		logger.String("session_id", id), logger.String("from", string(from)), logger.String("to", string(to)))
	s.notify(ctx, StatusChange{SessionID: id, From: from, To: to, At: now})
	return snap, nil
}

// AddParticipant joins userID to the session as ACTIVE. A participant who
// left earlier is re-activated with their counters intact.
func (s *Store) AddParticipant(ctx context.Context, sessionID, userID string) (models.Participant, error) {
	if userID == "" {
		return models.Participant{}, fmt.Errorf("add participant: user id is required")
	}
	unlock := s.lockSession(sessionID)
	defer unlock()
	now := s.now().UTC()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return models.Participant{}, ErrSessionNotFound
	}
	if sess.Status == models.SessionCompleted {
		s.mu.Unlock()
		return models.Participant{}, ErrSessionClosed
	}
	var p *models.Participant
	if i := indexOf(sess, userID); i >= 0 {
		p = &sess.Participants[i]
		p.Status = models.ParticipantActive
	} else {
		sess.Participants = append(sess.Participants, models.Participant{
			UserID:    userID,
			SessionID: sessionID,
			Status:    models.ParticipantActive,
			PnL:       decimal.Zero,
			PeakPnL:   decimal.Zero,
			DailyLoss: decimal.Zero,
			Day:       dayOf(now),
			JoinedAt:  now,
		})
		p = &sess.Participants[len(sess.Participants)-1]
	}
	out := *p
	snap := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, snap)
	s.publish(ctx, models.EventSessionJoined, sessionID, models.SessionEventPayload{SessionID: sessionID, UserID: userID, Status: snap.Status})
	return out, nil
}

// RemoveParticipant marks the participant REMOVED. The record is kept.
func (s *Store) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	return s.leave(ctx, sessionID, userID, models.ParticipantRemoved)
}

// OptOut marks the participant OPTED_OUT.
func (s *Store) OptOut(ctx context.Context, sessionID, userID string) error {
	return s.leave(ctx, sessionID, userID, models.ParticipantOptedOut)
}

func (s *Store) leave(ctx context.Context, sessionID, userID string, status models.ParticipantStatus) error {
	unlock := s.lockSession(sessionID)
	defer unlock()
	snap, err := s.mutateParticipant(sessionID, userID, func(p *models.Participant) {
		p.Status = status
	})
	if err != nil {
		return err
	}
	s.persist(ctx, snap)
	s.publish(ctx, models.EventSessionLeft, sessionID, models.SessionEventPayload{SessionID: sessionID, UserID: userID, Status: snap.Status})
	return nil
}

// SetParticipantStatus sets any participant status, e.g. FAILED once the
// venue rejects their credentials.
func (s *Store) SetParticipantStatus(ctx context.Context, sessionID, userID string, status models.ParticipantStatus) error {
	unlock := s.lockSession(sessionID)
	defer unlock()
	snap, err := s.mutateParticipant(sessionID, userID, func(p *models.Participant) { p.Status = status })
	if err != nil {
		return err
	}
	s.persist(ctx, snap)
	return nil
}

// RecordTrade counts a successful execution against the daily trade limit.
func (s *Store) RecordTrade(ctx context.Context, result models.TradeResult) error {
	if result.Status != models.TradeSuccess {
		return nil
	}
	unlock := s.lockSession(result.SessionID)
	defer unlock()
	now := s.now().UTC()
	snap, err := s.mutateParticipant(result.SessionID, result.UserID, func(p *models.Participant) {
		rollDay(p, now)
		p.TradesToday++
	})
	if err != nil {
		return err
	}
	s.persist(ctx, snap)
	return nil
}

// ApplyPnL adds a settled profit (negative for a loss) to the participant.
func (s *Store) ApplyPnL(ctx context.Context, sessionID, userID string, profit decimal.Decimal) (models.Participant, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()
	now := s.now().UTC()
	var out models.Participant
	snap, err := s.mutateParticipant(sessionID, userID, func(p *models.Participant) {
		rollDay(p, now)
		p.PnL = p.PnL.Add(profit)
		if p.PnL.GreaterThan(p.PeakPnL) {
			p.PeakPnL = p.PnL
		}
		if profit.IsNegative() {
			p.DailyLoss = p.DailyLoss.Add(profit.Neg())
		}
		out = *p
	})
	if err != nil {
		return models.Participant{}, err
	}
	s.persist(ctx, snap)
	return out, nil
}

// Participant returns one participant with daily counters rolled to today.
func (s *Store) Participant(sessionID, userID string) (models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.Participant{}, ErrSessionNotFound
	}
	i := indexOf(sess, userID)
	if i < 0 {
		return models.Participant{}, ErrParticipantNotFound
	}
	p := sess.Participants[i]
	rollDay(&p, s.now().UTC())
	return p, nil
}

func (s *Store) mutateParticipant(sessionID, userID string, fn func(*models.Participant)) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}
	i := indexOf(sess, userID)
	if i < 0 {
		return models.Session{}, ErrParticipantNotFound
	}
	fn(&sess.Participants[i])
	return sess.Clone(), nil
}

// RecoverStateFromDB replaces in-memory state with the persisted snapshots.
func (s *Store) RecoverStateFromDB(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	sessions, err := s.repo.LoadSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover sessions: %w", err)
	}
	s.mu.Lock()
	for i := range sessions {
		sess := sessions[i].Clone()
		s.sessions[sess.ID] = &sess
	}
	s.mu.Unlock()
	s.log.Info("session state recovered", logger.Int("sessions", len(sessions)))
	return len(sessions), nil
}

func (s *Store) persist(ctx context.Context, snap models.Session) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveSession(ctx, snap); err != nil {
		s.log.Error("session snapshot failed", logger.String("session_id", snap.ID), logger.Error(err))
	}
}

func (s *Store) publish(ctx context.Context, t models.EventType, key string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(ctx, models.NewEvent(t, key, payload, s.now())); err != nil {
		s.log.Warn("session event publish failed", logger.String("type", string(t)), logger.Error(err))
	}
}

func indexOf(sess *models.Session, userID string) int {
	for i := range sess.Participants {
		if sess.Participants[i].UserID == userID {
			return i
		}
	}
	return -1
}

func dayOf(t time.Time) string { return t.UTC().Format(models.DayLayout) }

func rollDay(p *models.Participant, now time.Time) { *p = p.RolledTo(now) }
