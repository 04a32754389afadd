package usecase

import (
	"context"
	"sort"
	"sync"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	mid "TradePipe/internal/middleware"
	"TradePipe/internal/service/venue"
	"TradePipe/pkg/logger"
)

// SessionController is the session access the safety layer needs.
type SessionController interface {
	GetSession(id string) (models.Session, bool)
	TradingSessionsForMarket(market string) []models.Session
	SessionsByStatus(statuses ...models.SessionStatus) []models.Session
	UpdateSessionStatus(ctx context.Context, id string, to models.SessionStatus) (models.Session, error)
}

// SafetyLayer pauses sessions when their market goes silent or the venue
// breaker trips, and resumes breaker-paused sessions once the venue is back.
// A session someone else moves after the trip is no longer resumed.
type SafetyLayer struct {
	sessions SessionController
	metrics  domrepo.Metrics
	log      *logger.Logger

	mu          sync.Mutex
	tripPaused  map[string]struct{}
	inFlight    map[string]models.SessionStatus // transitions the layer is making
	breakerOpen bool
}

func NewSafetyLayer(sessions SessionController, metrics domrepo.Metrics, log *logger.Logger) *SafetyLayer {
	if log == nil {
		log = logger.NewNop()
	}
	return &SafetyLayer{
		sessions:   sessions,
		metrics:    metrics,
		log:        log.Named("safety"),
		tripPaused: make(map[string]struct{}),
		inFlight:   make(map[string]models.SessionStatus),
	}
}

// SessionStatusChanged must see every session status transition. Any
// transition the layer did not make itself releases the session from
// resume-on-reconnect.
func (s *SafetyLayer) SessionStatusChanged(id string, to models.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want, ok := s.inFlight[id]; ok && want == to {
		return
	}
	if _, ok := s.tripPaused[id]; ok {
		delete(s.tripPaused, id)
		s.log.Info("session changed outside the safety layer, will not auto-resume",
			logger.String("session_id", id), logger.String("status", string(to)))
	}
}

// OnMarketEvent pauses every trading session that trades a silent market.
func (s *SafetyLayer) OnMarketEvent(ctx context.Context, ev mid.MarketEvent) []string {
	if ev.Type != mid.EventHeartbeatFailure {
		return nil
	}
	var paused []string
	for _, sess := range s.sessions.TradingSessionsForMarket(ev.Market) {
		if s.pause(ctx, sess.ID, "market_heartbeat_failure") {
			paused = append(paused, sess.ID)
		}
	}
	if len(paused) > 0 {
		s.log.Warn("sessions paused on market silence",
			logger.String("market", ev.Market),
			logger.Duration("silence", ev.Silence),
			logger.Strings("sessions", paused))
	}
	return paused
}

// OnVenueEvent reacts to breaker trips and reconnects. It returns the ids of
// sessions it paused or resumed.
func (s *SafetyLayer) OnVenueEvent(ctx context.Context, ev venue.Event) []string {
	switch ev.Type {
	case venue.EventBreakerTripped:
		return s.onTrip(ctx)
	case venue.EventConnected:
		return s.onConnected(ctx)
	}
	return nil
}

func (s *SafetyLayer) onTrip(ctx context.Context) []string {
	s.mu.Lock()
	s.breakerOpen = true
	s.mu.Unlock()

	var paused []string
	for _, sess := range s.sessions.SessionsByStatus(models.SessionRunning) {
		s.mu.Lock()
		s.tripPaused[sess.ID] = struct{}{}
		s.mu.Unlock()
		if !s.pause(ctx, sess.ID, "breaker_tripped") {
			s.mu.Lock()
			delete(s.tripPaused, sess.ID)
			s.mu.Unlock()
			continue
		}
		paused = append(paused, sess.ID)
	}
	s.log.Warn("venue breaker tripped, sessions paused", logger.Strings("sessions", paused))
	return paused
}

func (s *SafetyLayer) onConnected(ctx context.Context) []string {
	s.mu.Lock()
	if !s.breakerOpen {
		s.mu.Unlock()
		return nil
	}
	s.breakerOpen = false
	ids := make([]string, 0, len(s.tripPaused))
	for id := range s.tripPaused {
		ids = append(ids, id)
	}
	s.tripPaused = make(map[string]struct{})
	s.mu.Unlock()
	sort.Strings(ids)

	var resumed []string
	for _, id := range ids {
		sess, ok := s.sessions.GetSession(id)
		if !ok || sess.Status != models.SessionPaused {
			continue
		}
		if err := s.transition(ctx, id, models.SessionRunning); err != nil {
			s.log.Warn("resume session failed", logger.String("session_id", id), logger.Error(err))
			continue
		}
		resumed = append(resumed, id)
	}
	if len(resumed) > 0 {
		s.log.Info("venue reconnected, sessions resumed", logger.Strings("sessions", resumed))
	}
	return resumed
}

// transition applies a status change the layer itself decided on.
func (s *SafetyLayer) transition(ctx context.Context, id string, to models.SessionStatus) error {
	s.mu.Lock()
	s.inFlight[id] = to
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
	}()
	_, err := s.sessions.UpdateSessionStatus(ctx, id, to)
	return err
}

func (s *SafetyLayer) pause(ctx context.Context, id, cause string) bool {
	if err := s.transition(ctx, id, models.SessionPaused); err != nil {
		s.log.Warn("pause session failed", logger.String("session_id", id), logger.String("cause", cause), logger.Error(err))
		return false
	}
	s.metrics.RecordError("safety_" + cause)
	return true
}

// Run consumes both event streams until ctx ends or both close.
func (s *SafetyLayer) Run(ctx context.Context, market <-chan mid.MarketEvent, venueEvents <-chan venue.Event) {
	for market != nil || venueEvents != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-market:
			if !ok {
				market = nil
				continue
			}
			s.OnMarketEvent(ctx, ev)
		case ev, ok := <-venueEvents:
			if !ok {
				venueEvents = nil
				continue
			}
			s.OnVenueEvent(ctx, ev)
		}
	}
}
