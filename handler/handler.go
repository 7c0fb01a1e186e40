// Package handler exposes the avatar service over API Gateway proxy events
// and runs the scheduled maintenance job.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"avatar-agent/internal/analytics"
	"avatar-agent/internal/conversation"
	"avatar-agent/internal/domain"
	"avatar-agent/internal/knowledge"
	"avatar-agent/internal/session"
)

const (
	correlationHeader = "X-Correlation-Id"
	errRouteNotFound  = "ROUTE_NOT_FOUND"
	errMethod         = "METHOD_NOT_ALLOWED"
)

type Conversations interface {
	Converse(ctx context.Context, in conversation.ConverseInput) (conversation.ConverseOutput, error)
	ProcessTurn(ctx context.Context, sessionID, userText string) (domain.ConversationTurn, error)
	History(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error)
}

type Sessions interface {
	Start(ctx context.Context, in session.StartInput) (domain.AvatarSession, error)
	Get(ctx context.Context, sessionID string) (domain.AvatarSession, error)
	Pause(ctx context.Context, sessionID string) (domain.AvatarSession, error)
	Resume(ctx context.Context, sessionID string) (domain.AvatarSession, error)
	End(ctx context.Context, sessionID, reason string) (domain.AvatarSession, error)
	RateSatisfaction(ctx context.Context, sessionID string, score float64, feedback string) (domain.AvatarSession, error)
	AvatarRating(ctx context.Context, avatarID string) (domain.AvatarStats, error)
}

type Knowledge interface {
	Create(ctx context.Context, in knowledge.CreateInput) (domain.KnowledgeItem, error)
	GetByID(ctx context.Context, knowledgeID string) (domain.KnowledgeItem, error)
	Verify(ctx context.Context, knowledgeID string) error
	Reject(ctx context.Context, knowledgeID string) error
	Archive(ctx context.Context, knowledgeID string) error
	Rate(ctx context.Context, knowledgeID string, rating float64) error
	RecordShare(ctx context.Context, knowledgeID string) error
}

type Interactions interface {
	Record(ctx context.Context, ev domain.InteractionEvent) error
}

type Dashboards interface {
	Dashboard(ctx context.Context) (analytics.Dashboard, error)
}

// Deps groups the services the API routes call into.
type Deps struct {
	Conversations Conversations
	Sessions      Sessions
	Knowledge     Knowledge
	Catalog       knowledge.Gateway
	Interactions  Interactions
	Dashboards    Dashboards
}

type Handler struct {
	deps Deps
	log  *slog.Logger
}

func NewHandler(deps Deps, log *slog.Logger) (*Handler, error) {
	switch {
	case deps.Conversations == nil:
		return nil, errors.New("handler: conversations must not be nil")
	case deps.Sessions == nil:
		return nil, errors.New("handler: sessions must not be nil")
	case deps.Knowledge == nil:
		return nil, errors.New("handler: knowledge must not be nil")
	case deps.Catalog == nil:
		return nil, errors.New("handler: knowledge catalog must not be nil")
	case deps.Interactions == nil:
		return nil, errors.New("handler: interactions must not be nil")
	case deps.Dashboards == nil:
		return nil, errors.New("handler: dashboards must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{deps: deps, log: log}, nil
}

// request is the routed view of one proxy event.
type request struct {
	method   string
	segments []string
	body     string
	query    map[string]string
	log      *slog.Logger
}

func (h *Handler) Handle(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(ev.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	req := request{
		method:   strings.ToUpper(ev.HTTPMethod),
		segments: splitPath(ev.Path),
		body:     ev.Body,
		query:    ev.QueryStringParameters,
		log:      h.log.With("correlation_id", correlationID, "method", ev.HTTPMethod, "path", ev.Path),
	}

	status, payload := h.route(ctx, req)
	body, err := json.Marshal(payload)
	if err != nil {
		req.log.Error("encode response", "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	req.log.Info("request handled", "status", status)

	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}, nil
}

func (h *Handler) route(ctx context.Context, req request) (int, any) {
	seg := req.segments
	switch {
	case match(seg, "converse"):
		return h.only(req, http.MethodPost, func() (int, any) { return h.converse(ctx, req) })
	case match(seg, "sessions"):
		return h.only(req, http.MethodPost, func() (int, any) { return h.startSession(ctx, req) })
	case match(seg, "sessions", "*"):
		return h.only(req, http.MethodGet, func() (int, any) {
			return h.sessionResult(req)(h.deps.Sessions.Get(ctx, seg[1]))
		})
	case match(seg, "sessions", "*", "turns"):
		switch req.method {
		case http.MethodPost:
			return h.processTurn(ctx, req, seg[1])
		case http.MethodGet:
			return h.history(ctx, req, seg[1])
		}
		return methodNotAllowed()
	case match(seg, "sessions", "*", "*"):
		return h.only(req, http.MethodPost, func() (int, any) { return h.sessionAction(ctx, req, seg[1], seg[2]) })
	case match(seg, "knowledge"):
		return h.only(req, http.MethodPost, func() (int, any) { return h.createKnowledge(ctx, req) })
	case match(seg, "knowledge", "*"):
		return h.only(req, http.MethodGet, func() (int, any) {
			item, err := h.deps.Knowledge.GetByID(ctx, seg[1])
			if err != nil {
				return h.fail(req, err)
			}
			return http.StatusOK, newKnowledgeView(item)
		})
	case match(seg, "knowledge", "*", "*"):
		return h.only(req, http.MethodPost, func() (int, any) { return h.knowledgeAction(ctx, req, seg[1], seg[2]) })
	case match(seg, "avatars", "*", "knowledge"):
		return h.only(req, http.MethodGet, func() (int, any) { return h.avatarKnowledge(ctx, req, seg[1]) })
	case match(seg, "avatars", "*", "rating"):
		return h.only(req, http.MethodGet, func() (int, any) {
			stats, err := h.deps.Sessions.AvatarRating(ctx, seg[1])
			if err != nil {
				return h.fail(req, err)
			}
			return http.StatusOK, avatarRatingResponse{AvatarID: seg[1], AverageRating: stats.AverageRating(), RatingCount: stats.RatingCount}
		})
	case match(seg, "interactions"):
		return h.only(req, http.MethodPost, func() (int, any) { return h.recordInteraction(ctx, req) })
	case match(seg, "analytics", "dashboard"):
		return h.only(req, http.MethodGet, func() (int, any) {
			d, err := h.deps.Dashboards.Dashboard(ctx)
			if err != nil {
				return h.fail(req, err)
			}
			return http.StatusOK, d
		})
	}
	return http.StatusNotFound, errorResponse{Error: errRouteNotFound}
}

func (h *Handler) converse(ctx context.Context, req request) (int, any) {
	var in converseRequest
	if status, payload, ok := decode(req, &in); !ok {
		return status, payload
	}
	out, err := h.deps.Conversations.Converse(ctx, conversation.ConverseInput{
		SessionID: in.SessionID,
		AvatarID:  in.AvatarID,
		UserID:    in.UserID,
		Context:   in.Context.toDomain(),
		Message:   in.Message,
	})
	if err != nil {
		return h.fail(req, err)
	}
	return http.StatusOK, converseResponse{Session: newSessionView(out.Session), Reply: newTurnView(out.Reply)}
}

func (h *Handler) startSession(ctx context.Context, req request) (int, any) {
	var in startSessionRequest
	if status, payload, ok := decode(req, &in); !ok {
		return status, payload
	}
	s, err := h.deps.Sessions.Start(ctx, session.StartInput{
		AvatarID: in.AvatarID,
		UserID:   in.UserID,
		Context:  in.Context.toDomain(),
	})
	if err != nil {
		return h.fail(req, err)
	}
	return http.StatusCreated, newSessionView(s)
}

func (h *Handler) processTurn(ctx context.Context, req request, sessionID string) (int, any) {
	var in turnRequest
	if status, payload, ok := decode(req, &in); !ok {
		return status, payload
	}
	turn, err := h.deps.Conversations.ProcessTurn(ctx, sessionID, in.Message)
	if err != nil {
		return h.fail(req, err)
	}
	return http.StatusOK, newTurnView(turn)
}

func (h *Handler) history(ctx context.Context, req request, sessionID string) (int, any) {
	limit := 0
	if raw := req.query["limit"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return http.StatusBadRequest, errorResponse{Error: string(domain.ErrorValidation), Reason: "invalid_limit"}
		}
		limit = n
	}
	turns, err := h.deps.Conversations.History(ctx, sessionID, limit)
	if err != nil {
		return h.fail(req, err)
	}
	out := historyResponse{Turns: make([]turnView, 0, len(turns))}
	for _, t := range turns {
		out.Turns = append(out.Turns, newTurnView(t))
	}
	return http.StatusOK, out
}

func (h *Handler) sessionAction(ctx context.Context, req request, sessionID, action string) (int, any) {
	sessions := h.deps.Sessions
	switch action {
	case "pause":
		return h.sessionResult(req)(sessions.Pause(ctx, sessionID))
	case "resume":
		return h.sessionResult(req)(sessions.Resume(ctx, sessionID))
	case "end":
		var in endSessionRequest
		if strings.TrimSpace(req.body) != "" {
			if status, payload, ok := decode(req, &in); !ok {
				return status, payload
			}
		}
		return h.sessionResult(req)(sessions.End(ctx, sessionID, in.Reason))
	case "rating":
		var in rateSessionRequest
		if status, payload, ok := decode(req, &in); !ok {
			return status, payload
		}
		return h.sessionResult(req)(sessions.RateSatisfaction(ctx, sessionID, in.Score, in.Feedback))
	}
	return http.StatusNotFound, errorResponse{Error: errRouteNotFound}
}

// sessionResult renders a session operation's outcome.
func (h *Handler) sessionResult(req request) func(domain.AvatarSession, error) (int, any) {
	return func(s domain.AvatarSession, err error) (int, any) {
		if err != nil {
			return h.fail(req, err)
		}
		return http.StatusOK, newSessionView(s)
	}
}

func (h *Handler) createKnowledge(ctx context.Context, req request) (int, any) {
	var in createKnowledgeRequest
	if status, payload, ok := decode(req, &in); !ok {
		return status, payload
	}
	item, err := h.deps.Knowledge.Create(ctx, knowledge.CreateInput{
		AvatarID:        in.AvatarID,
		Category:        in.Category,
		CulturalRegion:  in.CulturalRegion,
		RelatedCultures: in.RelatedCultures,
		DifficultyLevel: in.DifficultyLevel,
		TargetAudience:  in.TargetAudience,
		Keywords:        in.Keywords,
		RelatedTopics:   in.RelatedTopics,
		Title:           in.Title,
		Summary:         in.Summary,
		Description:     in.Description,
		Content:         in.Content,
		RelevanceScore:  in.RelevanceScore,
	})
	if err != nil {
		return h.fail(req, err)
	}
	return http.StatusCreated, newKnowledgeView(item)
}

func (h *Handler) knowledgeAction(ctx context.Context, req request, knowledgeID, action string) (int, any) {
	store := h.deps.Knowledge
	var err error
	switch action {
	case "verify":
		err = store.Verify(ctx, knowledgeID)
	case "reject":
		err = store.Reject(ctx, knowledgeID)
	case "archive":
		err = store.Archive(ctx, knowledgeID)
	case "share":
		err = store.RecordShare(ctx, knowledgeID)
	case "rating":
		var in rateKnowledgeRequest
		if status, payload, ok := decode(req, &in); !ok {
			return status, payload
		}
		err = store.Rate(ctx, knowledgeID, in.Rating)
	default:
		return http.StatusNotFound, errorResponse{Error: errRouteNotFound}
	}
	if err != nil {
		return h.fail(req, err)
	}
	item, err := store.GetByID(ctx, knowledgeID)
	if err != nil {
		return h.fail(req, err)
	}
	return http.StatusOK, newKnowledgeView(item)
}

func (h *Handler) avatarKnowledge(ctx context.Context, req request, avatarID string) (int, any) {
	var (
		items []domain.KnowledgeItem
		err   error
	)
	if region := strings.TrimSpace(req.query["region"]); region != "" {
		items, err = h.deps.Catalog.GetByRegion(ctx, region)
	} else {
		items, err = h.deps.Catalog.GetByAvatar(ctx, avatarID)
	}
	if err != nil {
		return h.fail(req, err)
	}
	out := knowledgeListResponse{Items: make([]knowledgeView, 0, len(items))}
	for _, item := range items {
		if item.AvatarID == avatarID {
			out.Items = append(out.Items, newKnowledgeView(item))
		}
	}
	return http.StatusOK, out
}

func (h *Handler) recordInteraction(ctx context.Context, req request) (int, any) {
	var in interactionRequest
	if status, payload, ok := decode(req, &in); !ok {
		return status, payload
	}
	if err := h.deps.Interactions.Record(ctx, in.toDomain()); err != nil {
		return h.fail(req, err)
	}
	return http.StatusAccepted, struct {
		Status string `json:"status"`
	}{Status: "recorded"}
}

func (h *Handler) only(req request, method string, fn func() (int, any)) (int, any) {
	if req.method != method {
		return methodNotAllowed()
	}
	return fn()
}

// fail maps a service error onto its HTTP status and logs anything that is
// not the caller's fault.
func (h *Handler) fail(req request, err error) (int, any) {
	code := domain.CodeOf(err)
	status := statusFor(code)
	reason := ""
	var coded *domain.Error
	if errors.As(err, &coded) {
		reason = coded.Reason
	}
	if status >= http.StatusInternalServerError {
		req.log.Error("request failed", "code", code, "reason", reason, "err", err)
	} else {
		req.log.Warn("request rejected", "code", code, "reason", reason)
	}
	return status, errorResponse{Error: string(code), Reason: reason}
}

func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.ErrorValidation:
		return http.StatusBadRequest
	case domain.ErrorSessionNotActive, domain.ErrorSessionEnded:
		return http.StatusConflict
	case domain.ErrorKnowledgeMissing, domain.ErrorSessionMissing:
		return http.StatusNotFound
	case domain.ErrorPersistence:
		return http.StatusServiceUnavailable
	case domain.ErrorExternalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed() (int, any) {
	return http.StatusMethodNotAllowed, errorResponse{Error: errMethod}
}

func decode(req request, v any) (int, any, bool) {
	if err := json.Unmarshal([]byte(req.body), v); err != nil {
		return http.StatusBadRequest, errorResponse{Error: string(domain.ErrorValidation), Reason: "invalid_json"}, false
	}
	return 0, nil, true
}

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// match compares path segments against a pattern where "*" matches any
// single segment.
func match(segments []string, pattern ...string) bool {
	if len(segments) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return true
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
