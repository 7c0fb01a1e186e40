package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/session"
)

const (
	defaultGenerateTimeout = 8 * time.Second
	defaultMaxMessageLen   = 500
	defaultHistoryLimit    = 100
)

type Sessions interface {
	Start(ctx context.Context, in session.StartInput) (domain.AvatarSession, error)
	Get(ctx context.Context, sessionID string) (domain.AvatarSession, error)
	RecordTurn(ctx context.Context, sessionID string, d session.TurnDelta) error
}

type Ranker interface {
	Rank(ctx context.Context, avatarID, query, culturalContext string) ([]domain.KnowledgeItem, error)
}

// Generator produces avatar text grounded on the given snippets.
type Generator interface {
	Generate(ctx context.Context, avatarID, userText string, snippets []string) (string, error)
}

type TurnStore interface {
	AppendTurn(ctx context.Context, t domain.ConversationTurn) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error)
	GetTurn(ctx context.Context, sessionID string, order int) (domain.ConversationTurn, error)
	LastTurn(ctx context.Context, sessionID string) (domain.ConversationTurn, error)
}

type Config struct {
	Generator       Generator
	GenerateTimeout time.Duration
	MaxMessageLen   int
	Logger          *slog.Logger
}

// Processor runs one user/avatar exchange at a time per session.
type Processor struct {
	sessions        Sessions
	ranker          Ranker
	turns           TurnStore
	generator       Generator
	generateTimeout time.Duration
	maxMessageLen   int
	log             *slog.Logger
	locks           *sessionLocks
	now             func() time.Time
}

func NewProcessor(sessions Sessions, ranker Ranker, turns TurnStore, cfg Config) (*Processor, error) {
	if sessions == nil {
		return nil, errors.New("conversation: session manager must not be nil")
	}
	if ranker == nil {
		return nil, errors.New("conversation: ranker must not be nil")
	}
	if turns == nil {
		return nil, errors.New("conversation: turn store must not be nil")
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		sessions:        sessions,
		ranker:          ranker,
		turns:           turns,
		generator:       cfg.Generator,
		generateTimeout: cfg.GenerateTimeout,
		maxMessageLen:   cfg.MaxMessageLen,
		log:             cfg.Logger,
		locks:           newSessionLocks(),
		now:             time.Now,
	}, nil
}

type ConverseInput struct {
	SessionID string
	AvatarID  string
	UserID    string
	Context   domain.SessionContext
	Message   string
}

type ConverseOutput struct {
	Session domain.AvatarSession
	Reply   domain.ConversationTurn
}

// Converse processes a message, opening a session first when no session id
// is given.
func (p *Processor) Converse(ctx context.Context, in ConverseInput) (ConverseOutput, error) {
	text, err := p.validateMessage(in.Message)
	if err != nil {
		return ConverseOutput{}, err
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		s, err := p.sessions.Start(ctx, session.StartInput{AvatarID: in.AvatarID, UserID: in.UserID, Context: in.Context})
		if err != nil {
			return ConverseOutput{}, err
		}
		sessionID = s.SessionID
	}
	turn, err := p.ProcessTurn(ctx, sessionID, text)
	if err != nil {
		return ConverseOutput{}, err
	}
	s, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return ConverseOutput{}, err
	}
	return ConverseOutput{Session: s, Reply: turn}, nil
}

// ProcessTurn persists the user message, grounds and persists the avatar
// reply and bumps the session counters. Generator and ranker failures yield a
// FALLBACK_RESPONSE turn; storage failures are returned as PERSISTENCE_ERROR
// and the whole turn may be resubmitted.
func (p *Processor) ProcessTurn(ctx context.Context, sessionID, userText string) (domain.ConversationTurn, error) {
	text, err := p.validateMessage(userText)
	if err != nil {
		return domain.ConversationTurn{}, err
	}

	unlock := p.locks.Lock(sessionID)
	defer unlock()

	s, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	if !s.SessionStatus.Open() {
		return domain.ConversationTurn{}, domain.NewError(domain.ErrorSessionNotActive, "session_not_active", nil)
	}

	last, hasLast, err := p.lastTurn(ctx, sessionID)
	if err != nil {
		return domain.ConversationTurn{}, err
	}

	// An answered exchange the counters have not seen lost its counter write.
	// It is counted now, and a resubmission of the same message gets the
	// stored reply back.
	if hasLast && last.MessageType != domain.MessageUser && last.MessageOrder > s.LastCountedOrder {
		asked, err := p.turnAt(ctx, sessionID, last.MessageOrder-1)
		if err != nil {
			return domain.ConversationTurn{}, err
		}
		if err := p.sessions.RecordTurn(context.WithoutCancel(ctx), s.SessionID, exchangeDelta(asked.Content, last)); err != nil {
			return domain.ConversationTurn{}, err
		}
		p.log.Warn("counting exchange left uncounted", "session_id", s.SessionID, "message_order", last.MessageOrder)
		if asked.Content == text {
			return last, nil
		}
	}

	// A user turn left unanswered by an interrupted call is reused when the
	// same message is resubmitted, and closed with a fallback otherwise.
	var userTurn domain.ConversationTurn
	switch {
	case hasLast && last.MessageType == domain.MessageUser && last.Content == text:
		userTurn = last
	case hasLast && last.MessageType == domain.MessageUser:
		if last, err = p.closeDangling(ctx, s, last); err != nil {
			return domain.ConversationTurn{}, err
		}
		fallthrough
	default:
		userTurn = domain.ConversationTurn{
			TurnID:       newTurnID(),
			SessionID:    s.SessionID,
			AvatarID:     s.AvatarID,
			UserID:       s.UserID,
			MessageType:  domain.MessageUser,
			MessageOrder: nextOrder(last, hasLast),
			Content:      text,
			Timestamp:    p.nextTimestamp(last, hasLast),
		}
		if err := p.appendTurn(ctx, userTurn); err != nil {
			return domain.ConversationTurn{}, err
		}
	}

	intent := ClassifyIntent(text)
	messageType := domain.MessageAvatar
	var r reply

	ranked, rankErr := p.ranker.Rank(ctx, s.AvatarID, text, s.CulturalTheme)
	switch {
	case rankErr != nil:
		p.log.Warn("knowledge ranking failed, using fallback", "session_id", s.SessionID, "error", rankErr)
		r = reply{text: noKnowledgeReply}
		messageType = domain.MessageFallback
	default:
		r = composeReply(ranked)
		if len(ranked) > 0 && p.generator != nil {
			generated, err := p.generate(ctx, s.AvatarID, text, r.snippets)
			if err != nil {
				p.log.Warn("response generation failed, using fallback", "session_id", s.SessionID,
					"code", domain.CodeOf(err), "error", err)
				messageType = domain.MessageFallback
			} else {
				r.text = generated
			}
		}
	}

	// The exchange is completed even if the caller goes away now.
	persistCtx := context.WithoutCancel(ctx)
	avatarTurn := domain.ConversationTurn{
		TurnID:        newTurnID(),
		SessionID:     s.SessionID,
		AvatarID:      s.AvatarID,
		UserID:        s.UserID,
		MessageType:   messageType,
		MessageOrder:  userTurn.MessageOrder + 1,
		Content:       r.text,
		Timestamp:     p.nextTimestamp(userTurn, true),
		ResponseType:  intent.Type,
		CulturalTopic: r.topic,
		KnowledgeIDs:  r.knowledgeIDs,
	}
	if err := p.appendTurn(persistCtx, avatarTurn); err != nil {
		return domain.ConversationTurn{}, err
	}

	if err := p.sessions.RecordTurn(persistCtx, s.SessionID, exchangeDelta(text, avatarTurn)); err != nil {
		return domain.ConversationTurn{}, err
	}

	p.log.Info("turn processed",
		"session_id", s.SessionID,
		"message_order", avatarTurn.MessageOrder,
		"message_type", avatarTurn.MessageType,
		"response_type", avatarTurn.ResponseType,
		"knowledge_items", len(avatarTurn.KnowledgeIDs),
	)
	return avatarTurn, nil
}

// History returns the turns of a session in order.
func (p *Processor) History(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error) {
	if _, err := p.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	turns, err := p.turns.ListTurns(ctx, sessionID, limit)
	if err != nil {
		return nil, domain.NewError(domain.ErrorPersistence, "list_turns", err)
	}
	return turns, nil
}

func (p *Processor) validateMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.NewError(domain.ErrorValidation, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > p.maxMessageLen {
		return "", domain.NewError(domain.ErrorValidation, "message_too_long", nil)
	}
	return text, nil
}

func (p *Processor) generate(ctx context.Context, avatarID, text string, snippets []string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, p.generateTimeout)
	defer cancel()

	out, err := p.generator.Generate(gctx, avatarID, text, snippets)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded) {
			return "", domain.NewError(domain.ErrorExternalTimeout, "generator_timeout", err)
		}
		return "", domain.NewError(domain.ErrorInternal, "generator_error", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", domain.NewError(domain.ErrorInternal, "generator_empty_response", nil)
	}
	return out, nil
}

func (p *Processor) closeDangling(ctx context.Context, s domain.AvatarSession, dangling domain.ConversationTurn) (domain.ConversationTurn, error) {
	closing := domain.ConversationTurn{
		TurnID:       newTurnID(),
		SessionID:    s.SessionID,
		AvatarID:     s.AvatarID,
		UserID:       s.UserID,
		MessageType:  domain.MessageFallback,
		MessageOrder: dangling.MessageOrder + 1,
		Content:      noKnowledgeReply,
		Timestamp:    p.nextTimestamp(dangling, true),
		ResponseType: domain.ResponseClarification,
	}
	if err := p.appendTurn(ctx, closing); err != nil {
		return domain.ConversationTurn{}, err
	}
	if err := p.sessions.RecordTurn(ctx, s.SessionID, exchangeDelta(dangling.Content, closing)); err != nil {
		return domain.ConversationTurn{}, err
	}
	p.log.Warn("closed unanswered user turn", "session_id", s.SessionID, "message_order", dangling.MessageOrder)
	return closing, nil
}

func (p *Processor) lastTurn(ctx context.Context, sessionID string) (domain.ConversationTurn, bool, error) {
	last, err := p.turns.LastTurn(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ConversationTurn{}, false, nil
	}
	if err != nil {
		return domain.ConversationTurn{}, false, domain.NewError(domain.ErrorPersistence, "last_turn", err)
	}
	return last, true, nil
}

func (p *Processor) turnAt(ctx context.Context, sessionID string, order int) (domain.ConversationTurn, error) {
	t, err := p.turns.GetTurn(ctx, sessionID, order)
	if err != nil {
		return domain.ConversationTurn{}, domain.NewError(domain.ErrorPersistence, "get_turn", err)
	}
	return t, nil
}

// exchangeDelta is the counter change of one user message and the
// avatar-side turn that answered it.
func exchangeDelta(userText string, answer domain.ConversationTurn) session.TurnDelta {
	d := session.TurnDelta{Messages: 2, Responses: 1, Order: answer.MessageOrder}
	if ClassifyIntent(userText).Question {
		d.Questions = 1
	}
	if answer.MessageType == domain.MessageAvatar {
		switch answer.ResponseType {
		case domain.ResponseStorytelling:
			d.Stories = 1
		case domain.ResponseRecommendation:
			d.Recommendations = 1
		}
	}
	return d
}

func (p *Processor) appendTurn(ctx context.Context, t domain.ConversationTurn) error {
	if err := p.turns.AppendTurn(ctx, t); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.NewError(domain.ErrorPersistence, "turn_order_conflict", err)
		}
		return domain.NewError(domain.ErrorPersistence, "append_turn", err)
	}
	return nil
}

// nextTimestamp keeps turn timestamps strictly increasing within a session
// even when the wall clock stalls or steps back.
func (p *Processor) nextTimestamp(prev domain.ConversationTurn, hasPrev bool) time.Time {
	now := p.now().UTC()
	if hasPrev && !now.After(prev.Timestamp) {
		return prev.Timestamp.Add(time.Microsecond)
	}
	return now
}

func nextOrder(prev domain.ConversationTurn, hasPrev bool) int {
	if !hasPrev {
		return 1
	}
	return prev.MessageOrder + 1
}

var newTurnID = func() string {
	return ulid.Make().String()
}
