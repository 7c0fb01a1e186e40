package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/repository/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockModerator struct {
	result domain.ModerationResult
	err    error
	seen   []string
}

func (m *mockModerator) Moderate(_ context.Context, text string) (domain.ModerationResult, error) {
	m.seen = append(m.seen, text)
	return m.result, m.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.InteractionEvent
	err    error
}

func (r *recordingSink) Record(_ context.Context, ev domain.InteractionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

type harness struct {
	mgr   *Manager
	mem   *memstore.Store
	clock *fakeClock
	mod   *mockModerator
	sink  *recordingSink
}

func newHarness(t *testing.T) harness {
	t.Helper()
	mem := memstore.New()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	mod := &mockModerator{}
	sink := &recordingSink{}
	mgr, err := NewManager(mem, mem, Config{
		IdleTimeout: 10 * time.Minute,
		Moderator:   mod,
		Events:      sink,
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	mgr.now = clock.Now
	return harness{mgr: mgr, mem: mem, clock: clock, mod: mod, sink: sink}
}

func (h harness) start(t *testing.T, in StartInput) domain.AvatarSession {
	t.Helper()
	if in.AvatarID == "" {
		in.AvatarID = "VICUNA"
	}
	if in.UserID == "" {
		in.UserID = "u1"
	}
	s, err := h.mgr.Start(context.Background(), in)
	require.NoError(t, err)
	return s
}

func requireCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, domain.CodeOf(err), "error: %v", err)
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	mem := memstore.New()

	_, err := NewManager(nil, mem, Config{})
	require.Error(t, err)

	_, err = NewManager(mem, nil, Config{})
	require.Error(t, err)

	m, err := NewManager(mem, mem, Config{})
	require.NoError(t, err)
	require.Equal(t, defaultIdleTimeout, m.idleTimeout)
}

func TestStart(t *testing.T) {
	h := newHarness(t)

	s := h.start(t, StartInput{Context: domain.SessionContext{CampusZone: " plaza ", CulturalTheme: "andina"}})
	require.NotEmpty(t, s.SessionID)
	require.Equal(t, domain.SessionActive, s.SessionStatus)
	require.Equal(t, domain.SessionTypeFreeConversation, s.SessionType)
	require.Equal(t, "plaza", s.CampusZone)
	require.Equal(t, h.clock.Now(), s.StartTime)
	require.Zero(t, s.TotalMessages)

	stored, err := h.mgr.Get(context.Background(), s.SessionID)
	require.NoError(t, err)
	require.Equal(t, s, stored)
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Start(ctx, StartInput{UserID: "u1"})
	requireCode(t, err, domain.ErrorValidation)

	_, err = h.mgr.Start(ctx, StartInput{AvatarID: "VICUNA"})
	requireCode(t, err, domain.ErrorValidation)

	_, err = h.mgr.Start(ctx, StartInput{AvatarID: "VICUNA", UserID: "u1", Context: domain.SessionContext{SessionType: "karaoke"}})
	requireCode(t, err, domain.ErrorValidation)
}

func TestGet_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Get(context.Background(), "nope")
	requireCode(t, err, domain.ErrorSessionMissing)
}

func TestRecordTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.start(t, StartInput{})

	h.clock.Advance(time.Minute)
	require.NoError(t, h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{Messages: 2, Questions: 1, Responses: 1, Stories: 1}))

	_, err := h.mgr.Pause(ctx, s.SessionID)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	require.NoError(t, h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{Messages: 2, Responses: 1, Recommendations: 1}))

	got, err := h.mgr.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.Equal(t, int64(4), got.TotalMessages)
	require.Equal(t, int64(1), got.UserQuestions)
	require.Equal(t, int64(2), got.AvatarResponses)
	require.Equal(t, int64(1), got.StoriesTold)
	require.Equal(t, int64(1), got.RecommendationsMade)
	require.Equal(t, h.clock.Now(), got.LastActivityTime)
}

func TestRecordTurn_OrderAppliedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.start(t, StartInput{})

	require.NoError(t, h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{Messages: 2, Responses: 1, Order: 2}))
	require.NoError(t, h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{Messages: 2, Responses: 1, Order: 2}))
	require.NoError(t, h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{Messages: 2, Responses: 1, Order: 4}))

	got, err := h.mgr.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.Equal(t, int64(4), got.TotalMessages)
	require.Equal(t, int64(2), got.AvatarResponses)
	require.Equal(t, 4, got.LastCountedOrder)

	err = h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{Messages: 2, Order: -1})
	requireCode(t, err, domain.ErrorValidation)
}

func TestRecordTurn_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.mgr.RecordTurn(ctx, "nope", TurnDelta{Messages: 1})
	requireCode(t, err, domain.ErrorSessionMissing)

	s := h.start(t, StartInput{})
	err = h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{})
	requireCode(t, err, domain.ErrorValidation)
	err = h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{Messages: -1})
	requireCode(t, err, domain.ErrorValidation)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ends := map[string]func(h harness, id string) error{
		"end": func(h harness, id string) error {
			_, err := h.mgr.End(context.Background(), id, domain.ReasonUserRequest)
			return err
		},
		"interrupt": func(h harness, id string) error {
			_, err := h.mgr.End(context.Background(), id, domain.ReasonClientDisconnect)
			return err
		},
		"error": func(h harness, id string) error {
			_, err := h.mgr.End(context.Background(), id, domain.ReasonSystemError)
			return err
		},
		"timeout": func(h harness, id string) error {
			_, err := h.mgr.Timeout(context.Background(), id)
			return err
		},
	}
	for name, end := range ends {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			s := h.start(t, StartInput{})
			require.NoError(t, end(h, s.SessionID))

			before, err := h.mgr.Get(ctx, s.SessionID)
			require.NoError(t, err)
			require.True(t, before.SessionStatus.Terminal())

			h.clock.Advance(time.Hour)
			for _, attempt := range ends {
				requireCode(t, attempt(h, s.SessionID), domain.ErrorSessionEnded)
			}
			_, err = h.mgr.Pause(ctx, s.SessionID)
			requireCode(t, err, domain.ErrorSessionEnded)
			_, err = h.mgr.Resume(ctx, s.SessionID)
			requireCode(t, err, domain.ErrorSessionEnded)
			requireCode(t, h.mgr.RecordTurn(ctx, s.SessionID, TurnDelta{Messages: 2}), domain.ErrorSessionEnded)

			after, err := h.mgr.Get(ctx, s.SessionID)
			require.NoError(t, err)
			require.Equal(t, before, after)
		})
	}
}

func TestEnd_ReasonTaxonomy(t *testing.T) {
	cases := []struct {
		reason    string
		status    domain.SessionStatus
		completed bool
		stored    string
	}{
		{"USER_REQUEST", domain.SessionCompleted, true, "USER_REQUEST"},
		{"end", domain.SessionCompleted, true, "END"},
		{"", domain.SessionCompleted, true, "END"},
		{"NAVIGATION", domain.SessionInterrupted, false, "NAVIGATION"},
		{"CLIENT_DISCONNECT", domain.SessionInterrupted, false, "CLIENT_DISCONNECT"},
		{"ERROR", domain.SessionError, false, "ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			h := newHarness(t)
			s := h.start(t, StartInput{})

			got, err := h.mgr.End(context.Background(), s.SessionID, tc.reason)
			require.NoError(t, err)
			require.Equal(t, tc.status, got.SessionStatus)
			require.Equal(t, tc.completed, got.SessionCompleted)
			require.Equal(t, tc.stored, got.EndReason)
		})
	}
}

func TestEnd_RejectsUnknownAndReservedReasons(t *testing.T) {
	h := newHarness(t)
	s := h.start(t, StartInput{})

	for _, reason := range []string{"BORED", domain.ReasonTimeout} {
		_, err := h.mgr.End(context.Background(), s.SessionID, reason)
		requireCode(t, err, domain.ErrorValidation)
	}

	got, err := h.mgr.Get(context.Background(), s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionActive, got.SessionStatus)
}

func TestEnd_ComputesDurationAndEmitsEvents(t *testing.T) {
	h := newHarness(t)
	s := h.start(t, StartInput{Context: domain.SessionContext{CampusZone: "plaza", CulturalTheme: "andina"}})

	h.clock.Advance(95 * time.Second)
	got, err := h.mgr.End(context.Background(), s.SessionID, domain.ReasonUserRequest)
	require.NoError(t, err)
	require.NotNil(t, got.EndTime)
	require.Equal(t, h.clock.Now(), *got.EndTime)
	require.Equal(t, int64(95), *got.DurationSeconds)

	require.Len(t, h.sink.events, 3)
	kinds := map[domain.EventKind]domain.InteractionEvent{}
	for _, ev := range h.sink.events {
		kinds[ev.Kind] = ev
		require.Equal(t, "u1", ev.UserID)
		require.Equal(t, 95.0, ev.DurationSeconds)
	}
	require.Equal(t, "u1", kinds[domain.EventUserActivity].TargetID)
	require.Equal(t, "plaza", kinds[domain.EventZoneVisit].TargetID)
	require.Equal(t, "andina", kinds[domain.EventThemeInteraction].TargetID)
}

func TestEnd_EventFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.sink.err = errors.New("metrics down")
	s := h.start(t, StartInput{})

	got, err := h.mgr.End(context.Background(), s.SessionID, "")
	require.NoError(t, err)
	require.Equal(t, domain.SessionCompleted, got.SessionStatus)
	require.Len(t, h.sink.events, 1)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.start(t, StartInput{})

	_, err := h.mgr.Resume(ctx, s.SessionID)
	requireCode(t, err, domain.ErrorValidation)

	got, err := h.mgr.Pause(ctx, s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionPaused, got.SessionStatus)

	_, err = h.mgr.Pause(ctx, s.SessionID)
	requireCode(t, err, domain.ErrorSessionNotActive)

	h.clock.Advance(time.Minute)
	got, err = h.mgr.Resume(ctx, s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionActive, got.SessionStatus)
	require.Equal(t, h.clock.Now(), got.LastActivityTime)

	_, err = h.mgr.Pause(ctx, s.SessionID)
	require.NoError(t, err)
	got, err = h.mgr.End(ctx, s.SessionID, domain.ReasonUserRequest)
	require.NoError(t, err, "paused sessions can end")
	require.Equal(t, domain.SessionCompleted, got.SessionStatus)
}

func TestSweepIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	idle := h.start(t, StartInput{})
	paused := h.start(t, StartInput{})
	_, err := h.mgr.Pause(ctx, paused.SessionID)
	require.NoError(t, err)
	ended := h.start(t, StartInput{})
	_, err = h.mgr.End(ctx, ended.SessionID, "")
	require.NoError(t, err)

	h.clock.Advance(8 * time.Minute)
	busy := h.start(t, StartInput{})
	require.NoError(t, h.mgr.RecordTurn(ctx, idle.SessionID, TurnDelta{Messages: 2}))
	h.clock.Advance(11 * time.Minute)
	require.NoError(t, h.mgr.RecordTurn(ctx, busy.SessionID, TurnDelta{Messages: 2}))

	n, err := h.mgr.SweepIdle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for id, want := range map[string]domain.SessionStatus{
		idle.SessionID:   domain.SessionTimeout,
		paused.SessionID: domain.SessionTimeout,
		ended.SessionID:  domain.SessionCompleted,
		busy.SessionID:   domain.SessionActive,
	} {
		got, err := h.mgr.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got.SessionStatus, id)
	}

	timedOut, err := h.mgr.Get(ctx, idle.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonTimeout, timedOut.EndReason)
	require.False(t, timedOut.SessionCompleted)

	n, err = h.mgr.SweepIdle(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRateSatisfaction(t *testing.T) {
	cases := []struct {
		score float64
		want  domain.SessionRating
	}{
		{5, domain.RatingExcellent},
		{4.5, domain.RatingExcellent},
		{4, domain.RatingGood},
		{3.5, domain.RatingGood},
		{2.5, domain.RatingAverage},
		{2.4, domain.RatingPoor},
		{1, domain.RatingPoor},
	}
	for _, tc := range cases {
		h := newHarness(t)
		s := h.start(t, StartInput{})

		got, err := h.mgr.RateSatisfaction(context.Background(), s.SessionID, tc.score, "")
		require.NoError(t, err)
		require.Equal(t, tc.want, got.SessionRating, "score %v", tc.score)
		require.Equal(t, tc.score, *got.UserSatisfactionScore)
		require.Empty(t, h.mod.seen, "empty feedback is not moderated")
	}
}

func TestRateSatisfaction_RollsUpAvatarRating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, score := range []float64{5, 3, 4} {
		s := h.start(t, StartInput{})
		_, err := h.mgr.End(ctx, s.SessionID, "")
		require.NoError(t, err)
		_, err = h.mgr.RateSatisfaction(ctx, s.SessionID, score, "  gracias  ")
		require.NoError(t, err)
	}

	stats, err := h.mgr.AvatarRating(ctx, "VICUNA")
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.RatingCount)
	require.InDelta(t, 4.0, stats.AverageRating(), 1e-9)
	require.Equal(t, []string{"gracias", "gracias", "gracias"}, h.mod.seen)
}

func TestRateSatisfaction_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.start(t, StartInput{})

	_, err := h.mgr.RateSatisfaction(ctx, s.SessionID, 0, "")
	requireCode(t, err, domain.ErrorValidation)
	_, err = h.mgr.RateSatisfaction(ctx, s.SessionID, 5.5, "")
	requireCode(t, err, domain.ErrorValidation)

	h.mod.result = domain.ModerationResult{Flagged: true, Categories: []string{"harassment"}}
	_, err = h.mgr.RateSatisfaction(ctx, s.SessionID, 4, "rude words")
	requireCode(t, err, domain.ErrorValidation)
	require.Contains(t, err.Error(), "harassment")

	h.mod.result = domain.ModerationResult{}
	h.mod.err = errors.New("timeout")
	_, err = h.mgr.RateSatisfaction(ctx, s.SessionID, 4, "ok")
	requireCode(t, err, domain.ErrorExternalTimeout)
	h.mod.err = nil

	_, err = h.mgr.RateSatisfaction(ctx, s.SessionID, 4, "ok")
	require.NoError(t, err)
	_, err = h.mgr.RateSatisfaction(ctx, s.SessionID, 2, "")
	requireCode(t, err, domain.ErrorValidation)

	paused := h.start(t, StartInput{})
	_, err = h.mgr.Pause(ctx, paused.SessionID)
	require.NoError(t, err)
	_, err = h.mgr.RateSatisfaction(ctx, paused.SessionID, 4, "")
	requireCode(t, err, domain.ErrorSessionNotActive)

	interrupted := h.start(t, StartInput{})
	_, err = h.mgr.End(ctx, interrupted.SessionID, domain.ReasonInterrupted)
	require.NoError(t, err)
	_, err = h.mgr.RateSatisfaction(ctx, interrupted.SessionID, 4, "")
	requireCode(t, err, domain.ErrorSessionEnded)

	stats, err := h.mgr.AvatarRating(ctx, "VICUNA")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.RatingCount)
}
