package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"avatar-agent/internal/domain"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	maxTransitionTries = 3
	maxFeedbackLen     = 1000
)

type Repository interface {
	CreateSession(ctx context.Context, s domain.AvatarSession) error
	GetSession(ctx context.Context, sessionID string) (domain.AvatarSession, error)
	UpdateSession(ctx context.Context, sessionID string, expected domain.SessionStatus, patch domain.SessionPatch) error
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]domain.AvatarSession, error)
}

type CounterStore interface {
	Increment(ctx context.Context, u domain.CounterUpdate) error
	GetAvatarStats(ctx context.Context, avatarID string) (domain.AvatarStats, error)
}

// Moderator screens user-submitted feedback before it is stored.
type Moderator interface {
	Moderate(ctx context.Context, text string) (domain.ModerationResult, error)
}

// EventSink receives the analytics events a session produces when it ends.
type EventSink interface {
	Record(ctx context.Context, ev domain.InteractionEvent) error
}

type Config struct {
	IdleTimeout time.Duration
	Moderator   Moderator
	Events      EventSink
	Logger      *slog.Logger
}

// Manager owns the avatar session state machine.
type Manager struct {
	repo        Repository
	counters    CounterStore
	moderator   Moderator
	events      EventSink
	log         *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time
}

type StartInput struct {
	AvatarID string
	UserID   string
	Context  domain.SessionContext
}

// TurnDelta is the counter change a processed turn applies to its session.
type TurnDelta struct {
	Messages        int64
	Questions       int64
	Responses       int64
	Stories         int64
	Recommendations int64
	// Order is the messageOrder of the avatar-side turn that closes the
	// exchange. A positive Order is applied at most once per session.
	Order int
}

func NewManager(repo Repository, counters CounterStore, cfg Config) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("session: repository must not be nil")
	}
	if counters == nil {
		return nil, errors.New("session: counter store must not be nil")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		repo:        repo,
		counters:    counters,
		moderator:   cfg.Moderator,
		events:      cfg.Events,
		log:         cfg.Logger,
		idleTimeout: cfg.IdleTimeout,
		now:         time.Now,
	}, nil
}

// Start opens a new ACTIVE session with zeroed counters.
func (m *Manager) Start(ctx context.Context, in StartInput) (domain.AvatarSession, error) {
	avatarID := strings.TrimSpace(in.AvatarID)
	if avatarID == "" {
		return domain.AvatarSession{}, domain.NewError(domain.ErrorValidation, "missing_avatar_id", nil)
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.AvatarSession{}, domain.NewError(domain.ErrorValidation, "missing_user_id", nil)
	}
	sessionType := in.Context.SessionType
	if sessionType == "" {
		sessionType = domain.SessionTypeFreeConversation
	}
	if !sessionType.Valid() {
		return domain.AvatarSession{}, domain.NewError(domain.ErrorValidation, "invalid_session_type", nil)
	}

	now := m.now().UTC()
	s := domain.AvatarSession{
		SessionID:        newSessionID(),
		AvatarID:         avatarID,
		UserID:           userID,
		StartTime:        now,
		LastActivityTime: now,
		SessionType:      sessionType,
		CampusZone:       strings.TrimSpace(in.Context.CampusZone),
		CulturalTheme:    strings.TrimSpace(in.Context.CulturalTheme),
		DeviceType:       strings.TrimSpace(in.Context.DeviceType),
		SessionStatus:    domain.SessionActive,
	}
	if err := m.repo.CreateSession(ctx, s); err != nil {
		return domain.AvatarSession{}, domain.NewError(domain.ErrorPersistence, "session_create", err)
	}
	m.log.Info("session started", "session_id", s.SessionID, "avatar_id", avatarID, "session_type", sessionType)
	return s, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (domain.AvatarSession, error) {
	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AvatarSession{}, domain.NewError(domain.ErrorSessionMissing, "session_not_found", err)
		}
		return domain.AvatarSession{}, domain.NewError(domain.ErrorPersistence, "session_lookup", err)
	}
	return s, nil
}

// RecordTurn atomically applies d to the session counters and stamps
// lastActivityTime. Only ACTIVE and PAUSED sessions accept turns.
func (m *Manager) RecordTurn(ctx context.Context, sessionID string, d TurnDelta) error {
	if d.Messages < 0 || d.Questions < 0 || d.Responses < 0 || d.Stories < 0 || d.Recommendations < 0 {
		return domain.NewError(domain.ErrorValidation, "negative_counter_delta", nil)
	}
	deltas := domain.Deltas{}
	for field, n := range map[string]int64{
		domain.FieldTotalMessages:       d.Messages,
		domain.FieldUserQuestions:       d.Questions,
		domain.FieldAvatarResponses:     d.Responses,
		domain.FieldStoriesTold:         d.Stories,
		domain.FieldRecommendationsMade: d.Recommendations,
	} {
		if n > 0 {
			deltas[field] = float64(n)
		}
	}
	if len(deltas) == 0 {
		return domain.NewError(domain.ErrorValidation, "empty_counter_delta", nil)
	}

	if d.Order < 0 {
		return domain.NewError(domain.ErrorValidation, "negative_turn_order", nil)
	}

	u := domain.CounterUpdate{
		Key:       domain.CounterKey{Kind: domain.CounterSession, ID: sessionID},
		Deltas:    deltas,
		Touch:     map[string]time.Time{domain.FieldLastActivityTime: m.now().UTC()},
		MustExist: true,
		StatusIn:  []string{string(domain.SessionActive), string(domain.SessionPaused)},
	}
	if d.Order > 0 {
		u.Advance = &domain.Marker{Field: domain.FieldLastCountedOrder, Value: int64(d.Order)}
	}
	err := m.counters.Increment(ctx, u)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return domain.NewError(domain.ErrorPersistence, "session_counters", err)
	}
	s, getErr := m.Get(ctx, sessionID)
	if getErr != nil {
		return getErr
	}
	if d.Order > 0 && s.LastCountedOrder >= d.Order {
		m.log.Info("turn already counted", "session_id", sessionID, "message_order", d.Order)
		return nil
	}
	if s.SessionStatus.Terminal() {
		return domain.NewError(domain.ErrorSessionEnded, "session_already_ended", nil)
	}
	return domain.NewError(domain.ErrorSessionNotActive, "session_not_active", err)
}

// Pause moves an ACTIVE session to PAUSED.
func (m *Manager) Pause(ctx context.Context, sessionID string) (domain.AvatarSession, error) {
	return m.transition(ctx, sessionID, func(s domain.AvatarSession) (domain.SessionPatch, error) {
		if err := requireOpen(s); err != nil {
			return domain.SessionPatch{}, err
		}
		if s.SessionStatus != domain.SessionActive {
			return domain.SessionPatch{}, domain.NewError(domain.ErrorSessionNotActive, "session_not_active", nil)
		}
		status := domain.SessionPaused
		return domain.SessionPatch{Status: &status}, nil
	})
}

// Resume moves a PAUSED session back to ACTIVE.
func (m *Manager) Resume(ctx context.Context, sessionID string) (domain.AvatarSession, error) {
	return m.transition(ctx, sessionID, func(s domain.AvatarSession) (domain.SessionPatch, error) {
		if err := requireOpen(s); err != nil {
			return domain.SessionPatch{}, err
		}
		if s.SessionStatus != domain.SessionPaused {
			return domain.SessionPatch{}, domain.NewError(domain.ErrorValidation, "session_not_paused", nil)
		}
		status := domain.SessionActive
		now := m.now().UTC()
		return domain.SessionPatch{Status: &status, LastActivityTime: &now}, nil
	})
}

// End closes a session. The reason selects the terminal state: user or
// completion reasons give COMPLETED, disconnects give INTERRUPTED and
// failures give ERROR.
func (m *Manager) End(ctx context.Context, sessionID, reason string) (domain.AvatarSession, error) {
	reason = strings.ToUpper(strings.TrimSpace(reason))
	status, err := domain.StatusForEndReason(reason)
	if err != nil {
		return domain.AvatarSession{}, domain.NewError(domain.ErrorValidation, "invalid_end_reason", err)
	}
	if reason == "" {
		reason = domain.ReasonEnd
	}
	return m.terminate(ctx, sessionID, status, reason, nil)
}

// Timeout ends an open session with status TIMEOUT.
func (m *Manager) Timeout(ctx context.Context, sessionID string) (domain.AvatarSession, error) {
	return m.terminate(ctx, sessionID, domain.SessionTimeout, domain.ReasonTimeout, nil)
}

// SweepIdle times out every open session idle for longer than the configured
// threshold. Sessions that became active again or ended meanwhile are skipped.
func (m *Manager) SweepIdle(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.idleTimeout)
	idle, err := m.repo.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, domain.NewError(domain.ErrorPersistence, "list_idle_sessions", err)
	}

	timedOut := 0
	for _, s := range idle {
		if err := ctx.Err(); err != nil {
			return timedOut, err
		}
		_, err := m.terminate(ctx, s.SessionID, domain.SessionTimeout, domain.ReasonTimeout, func(cur domain.AvatarSession) bool {
			return cur.LastActivityTime.Before(cutoff)
		})
		switch {
		case err == nil:
			timedOut++
		case errors.Is(err, errSkipped), domain.HasCode(err, domain.ErrorSessionEnded):
		default:
			m.log.Error("idle session timeout failed", "session_id", s.SessionID, "error", err)
		}
	}
	if timedOut > 0 {
		m.log.Info("idle sessions timed out", "count", timedOut, "scanned", len(idle))
	}
	return timedOut, nil
}

var errSkipped = errors.New("session: transition skipped")

func (m *Manager) terminate(ctx context.Context, sessionID string, status domain.SessionStatus, reason string, guard func(domain.AvatarSession) bool) (domain.AvatarSession, error) {
	s, err := m.transition(ctx, sessionID, func(s domain.AvatarSession) (domain.SessionPatch, error) {
		if err := requireOpen(s); err != nil {
			return domain.SessionPatch{}, err
		}
		if guard != nil && !guard(s) {
			return domain.SessionPatch{}, errSkipped
		}
		end := m.now().UTC()
		if end.Before(s.StartTime) {
			end = s.StartTime
		}
		duration := int64(end.Sub(s.StartTime).Seconds())
		completed := status == domain.SessionCompleted
		return domain.SessionPatch{
			Status:           &status,
			EndTime:          &end,
			DurationSeconds:  &duration,
			SessionCompleted: &completed,
			EndReason:        &reason,
		}, nil
	})
	if err != nil {
		return domain.AvatarSession{}, err
	}
	m.log.Info("session ended", "session_id", sessionID, "status", status, "reason", reason, "duration_seconds", *s.DurationSeconds)
	m.emitEndEvents(ctx, s)
	return s, nil
}

// RateSatisfaction records the user's score and optional feedback. Ratings
// are accepted once, on ACTIVE or COMPLETED sessions, and roll up into the
// avatar's rating aggregate.
func (m *Manager) RateSatisfaction(ctx context.Context, sessionID string, score float64, feedback string) (domain.AvatarSession, error) {
	if score < 1 || score > 5 {
		return domain.AvatarSession{}, domain.NewError(domain.ErrorValidation, "score_out_of_range", nil)
	}
	feedback = strings.TrimSpace(feedback)
	if len(feedback) > maxFeedbackLen {
		return domain.AvatarSession{}, domain.NewError(domain.ErrorValidation, "feedback_too_long", nil)
	}
	if feedback != "" && m.moderator != nil {
		verdict, err := m.moderator.Moderate(ctx, feedback)
		if err != nil {
			return domain.AvatarSession{}, domain.NewError(domain.ErrorExternalTimeout, "moderation_unavailable", err)
		}
		if !verdict.IsSafe() {
			return domain.AvatarSession{}, domain.NewError(domain.ErrorValidation, "feedback_flagged",
				fmt.Errorf("unsafe content: %s", verdict.Reason()))
		}
	}

	s, err := m.transition(ctx, sessionID, func(s domain.AvatarSession) (domain.SessionPatch, error) {
		switch s.SessionStatus {
		case domain.SessionActive, domain.SessionCompleted:
		case domain.SessionPaused:
			return domain.SessionPatch{}, domain.NewError(domain.ErrorSessionNotActive, "session_not_active", nil)
		default:
			return domain.SessionPatch{}, domain.NewError(domain.ErrorSessionEnded, "session_already_ended", nil)
		}
		if s.UserSatisfactionScore != nil {
			return domain.SessionPatch{}, domain.NewError(domain.ErrorValidation, "already_rated", nil)
		}
		rating := domain.RatingFor(score)
		return domain.SessionPatch{
			UserSatisfactionScore: &score,
			SessionRating:         &rating,
			UserFeedback:          &feedback,
		}, nil
	})
	if err != nil {
		return domain.AvatarSession{}, err
	}

	err = m.counters.Increment(ctx, domain.CounterUpdate{
		Key: domain.CounterKey{Kind: domain.CounterAvatar, ID: s.AvatarID},
		Deltas: domain.Deltas{
			domain.FieldAvatarRatingSum:   score,
			domain.FieldAvatarRatingCount: 1,
		},
	})
	if err != nil {
		m.log.Error("avatar rating rollup failed", "avatar_id", s.AvatarID, "session_id", sessionID, "error", err)
	}
	return s, nil
}

// AvatarRating returns the aggregate satisfaction of an avatar.
func (m *Manager) AvatarRating(ctx context.Context, avatarID string) (domain.AvatarStats, error) {
	stats, err := m.counters.GetAvatarStats(ctx, avatarID)
	if err != nil {
		return domain.AvatarStats{}, domain.NewError(domain.ErrorPersistence, "avatar_stats", err)
	}
	return stats, nil
}

// transition loads the session, asks next for a patch and writes it
// conditioned on the status it was computed from. A lost race is retried
// against the fresh state.
func (m *Manager) transition(ctx context.Context, sessionID string, next func(domain.AvatarSession) (domain.SessionPatch, error)) (domain.AvatarSession, error) {
	for attempt := 0; ; attempt++ {
		s, err := m.Get(ctx, sessionID)
		if err != nil {
			return domain.AvatarSession{}, err
		}
		patch, err := next(s)
		if err != nil {
			return domain.AvatarSession{}, err
		}
		err = m.repo.UpdateSession(ctx, sessionID, s.SessionStatus, patch)
		if err == nil {
			patch.Apply(&s)
			return s, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.AvatarSession{}, domain.NewError(domain.ErrorPersistence, "session_update", err)
		}
		if attempt+1 >= maxTransitionTries {
			return domain.AvatarSession{}, domain.NewError(domain.ErrorPersistence, "session_update_contended", err)
		}
	}
}

func (m *Manager) emitEndEvents(ctx context.Context, s domain.AvatarSession) {
	if m.events == nil {
		return
	}
	at := m.now().UTC()
	if s.EndTime != nil {
		at = *s.EndTime
	}
	var duration float64
	if s.DurationSeconds != nil {
		duration = float64(*s.DurationSeconds)
	}

	events := []domain.InteractionEvent{{
		Kind:            domain.EventUserActivity,
		TargetID:        s.UserID,
		UserID:          s.UserID,
		DurationSeconds: duration,
		OccurredAt:      at,
	}}
	if s.CampusZone != "" {
		events = append(events, domain.InteractionEvent{
			Kind:            domain.EventZoneVisit,
			TargetID:        s.CampusZone,
			UserID:          s.UserID,
			DurationSeconds: duration,
			OccurredAt:      at,
		})
	}
	if s.CulturalTheme != "" {
		events = append(events, domain.InteractionEvent{
			Kind:            domain.EventThemeInteraction,
			TargetID:        s.CulturalTheme,
			UserID:          s.UserID,
			DurationSeconds: duration,
			OccurredAt:      at,
		})
	}
	for _, ev := range events {
		if err := m.events.Record(ctx, ev); err != nil {
			m.log.Warn("session event not recorded", "session_id", s.SessionID, "kind", ev.Kind, "error", err)
		}
	}
}

func requireOpen(s domain.AvatarSession) error {
	if s.SessionStatus.Terminal() {
		return domain.NewError(domain.ErrorSessionEnded, "session_already_ended", nil)
	}
	return nil
}

var newSessionID = func() string {
	return uuid.NewString()
}
