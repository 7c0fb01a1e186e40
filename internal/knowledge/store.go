package knowledge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"avatar-agent/internal/domain"
)

// Repository is the persistence contract for knowledge items.
type Repository interface {
	CreateKnowledge(ctx context.Context, k domain.KnowledgeItem) error
	GetKnowledge(ctx context.Context, knowledgeID string) (domain.KnowledgeItem, error)
	UpdateKnowledgeStatus(ctx context.Context, knowledgeID string, status domain.KnowledgeStatus, verification domain.VerificationStatus, at time.Time) error
	KnowledgeByAvatar(ctx context.Context, avatarID string) ([]domain.KnowledgeItem, error)
	SearchKnowledge(ctx context.Context, keywords []string) ([]domain.KnowledgeItem, error)
	KnowledgeByRegion(ctx context.Context, region string) ([]domain.KnowledgeItem, error)
}

type CounterStore interface {
	Increment(ctx context.Context, u domain.CounterUpdate) error
}

// Gateway is pure filtered retrieval; ranking happens in Ranker.
type Gateway interface {
	GetByID(ctx context.Context, knowledgeID string) (domain.KnowledgeItem, error)
	GetByAvatar(ctx context.Context, avatarID string) ([]domain.KnowledgeItem, error)
	SearchByKeywords(ctx context.Context, keywords []string) ([]domain.KnowledgeItem, error)
	GetByRegion(ctx context.Context, region string) ([]domain.KnowledgeItem, error)
}

// Store implements Gateway plus the knowledge item lifecycle and usage
// counters.
type Store struct {
	repo     Repository
	counters CounterStore
	log      *slog.Logger
	now      func() time.Time

	hooksMu sync.RWMutex
	hooks   []func(avatarID string)
}

func NewStore(repo Repository, counters CounterStore, log *slog.Logger) (*Store, error) {
	if repo == nil {
		return nil, errors.New("knowledge: repository must not be nil")
	}
	if counters == nil {
		return nil, errors.New("knowledge: counter store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{repo: repo, counters: counters, log: log, now: time.Now}, nil
}

// OnChange registers fn to run after an item of avatarID changes lifecycle
// state.
func (s *Store) OnChange(fn func(avatarID string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) changed(avatarID string) {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	for _, fn := range s.hooks {
		fn(avatarID)
	}
}

func (s *Store) GetByID(ctx context.Context, knowledgeID string) (domain.KnowledgeItem, error) {
	k, err := s.repo.GetKnowledge(ctx, knowledgeID)
	if err != nil {
		return domain.KnowledgeItem{}, lookupError(err)
	}
	return k, nil
}

// GetByAvatar returns ACTIVE items of avatarID ordered by relevance score,
// highest first.
func (s *Store) GetByAvatar(ctx context.Context, avatarID string) ([]domain.KnowledgeItem, error) {
	items, err := s.repo.KnowledgeByAvatar(ctx, avatarID)
	if err != nil {
		return nil, domain.NewError(domain.ErrorPersistence, "knowledge_by_avatar", err)
	}
	items = activeOnly(items)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].RelevanceScore != items[j].RelevanceScore {
			return items[i].RelevanceScore > items[j].RelevanceScore
		}
		return items[i].KnowledgeID < items[j].KnowledgeID
	})
	return items, nil
}

func (s *Store) SearchByKeywords(ctx context.Context, keywords []string) ([]domain.KnowledgeItem, error) {
	keywords = normalizeKeywords(keywords)
	if len(keywords) == 0 {
		return nil, nil
	}
	if len(keywords) > domain.MaxSearchKeywords {
		s.log.Warn("knowledge search keywords truncated", "requested", len(keywords), "kept", domain.MaxSearchKeywords)
		keywords = keywords[:domain.MaxSearchKeywords]
	}
	items, err := s.repo.SearchKnowledge(ctx, keywords)
	if err != nil {
		return nil, domain.NewError(domain.ErrorPersistence, "knowledge_search", err)
	}
	return activeOnly(items), nil
}

func (s *Store) GetByRegion(ctx context.Context, region string) ([]domain.KnowledgeItem, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return nil, domain.NewError(domain.ErrorValidation, "empty_region", nil)
	}
	items, err := s.repo.KnowledgeByRegion(ctx, region)
	if err != nil {
		return nil, domain.NewError(domain.ErrorPersistence, "knowledge_by_region", err)
	}
	return activeOnly(items), nil
}

type CreateInput struct {
	AvatarID        string
	Category        string
	CulturalRegion  string
	RelatedCultures []string
	DifficultyLevel string
	TargetAudience  string
	Keywords        []string
	RelatedTopics   []string
	Title           string
	Summary         string
	Description     string
	Content         string
	RelevanceScore  float64
}

// Create stores a contributor's item as a DRAFT awaiting verification.
func (s *Store) Create(ctx context.Context, in CreateInput) (domain.KnowledgeItem, error) {
	if strings.TrimSpace(in.AvatarID) == "" {
		return domain.KnowledgeItem{}, domain.NewError(domain.ErrorValidation, "missing_avatar_id", nil)
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.KnowledgeItem{}, domain.NewError(domain.ErrorValidation, "missing_title", nil)
	}
	if strings.TrimSpace(in.Content) == "" {
		return domain.KnowledgeItem{}, domain.NewError(domain.ErrorValidation, "missing_content", nil)
	}
	if in.RelevanceScore < 0 {
		return domain.KnowledgeItem{}, domain.NewError(domain.ErrorValidation, "negative_relevance_score", nil)
	}
	score := in.RelevanceScore
	if score == 0 {
		score = domain.DefaultRelevanceScore
	}

	now := s.now().UTC()
	k := domain.KnowledgeItem{
		KnowledgeID:        newID(),
		AvatarID:           strings.TrimSpace(in.AvatarID),
		Category:           in.Category,
		CulturalRegion:     strings.TrimSpace(in.CulturalRegion),
		RelatedCultures:    in.RelatedCultures,
		DifficultyLevel:    in.DifficultyLevel,
		TargetAudience:     in.TargetAudience,
		Keywords:           normalizeKeywords(in.Keywords),
		RelatedTopics:      in.RelatedTopics,
		Title:              strings.TrimSpace(in.Title),
		Summary:            in.Summary,
		Description:        in.Description,
		Content:            in.Content,
		VerificationStatus: domain.VerificationDraft,
		Status:             domain.KnowledgeDraft,
		RelevanceScore:     score,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.CreateKnowledge(ctx, k); err != nil {
		return domain.KnowledgeItem{}, domain.NewError(domain.ErrorPersistence, "knowledge_create", err)
	}
	return k, nil
}

// Verify publishes an item: it becomes VERIFIED and ACTIVE.
func (s *Store) Verify(ctx context.Context, knowledgeID string) error {
	return s.transition(ctx, knowledgeID, func(k domain.KnowledgeItem) (domain.KnowledgeStatus, domain.VerificationStatus, error) {
		if k.Status == domain.KnowledgeArchived {
			return "", "", domain.NewError(domain.ErrorValidation, "knowledge_archived", nil)
		}
		return domain.KnowledgeActive, domain.VerificationVerified, nil
	})
}

// Reject keeps the item out of retrieval.
func (s *Store) Reject(ctx context.Context, knowledgeID string) error {
	return s.transition(ctx, knowledgeID, func(k domain.KnowledgeItem) (domain.KnowledgeStatus, domain.VerificationStatus, error) {
		if k.Status == domain.KnowledgeArchived {
			return "", "", domain.NewError(domain.ErrorValidation, "knowledge_archived", nil)
		}
		return domain.KnowledgeDraft, domain.VerificationRejected, nil
	})
}

// Archive retires an item from ranking while retaining it for audit.
func (s *Store) Archive(ctx context.Context, knowledgeID string) error {
	return s.transition(ctx, knowledgeID, func(k domain.KnowledgeItem) (domain.KnowledgeStatus, domain.VerificationStatus, error) {
		return domain.KnowledgeArchived, k.VerificationStatus, nil
	})
}

func (s *Store) transition(ctx context.Context, knowledgeID string, next func(domain.KnowledgeItem) (domain.KnowledgeStatus, domain.VerificationStatus, error)) error {
	k, err := s.GetByID(ctx, knowledgeID)
	if err != nil {
		return err
	}
	status, verification, err := next(k)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateKnowledgeStatus(ctx, knowledgeID, status, verification, s.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.NewError(domain.ErrorKnowledgeMissing, "knowledge_not_found", err)
		}
		return domain.NewError(domain.ErrorPersistence, "knowledge_status_update", err)
	}
	s.log.Info("knowledge status changed", "knowledge_id", knowledgeID, "status", status, "verification", verification)
	s.changed(k.AvatarID)
	return nil
}

// RecordAccess atomically bumps timesAccessed and stamps lastAccessed.
func (s *Store) RecordAccess(ctx context.Context, knowledgeID string) error {
	return s.increment(ctx, knowledgeID, "knowledge_access", domain.Deltas{domain.FieldTimesAccessed: 1},
		map[string]time.Time{domain.FieldLastAccessed: s.now().UTC()})
}

// RecordShare atomically bumps shareCount.
func (s *Store) RecordShare(ctx context.Context, knowledgeID string) error {
	return s.increment(ctx, knowledgeID, "knowledge_share", domain.Deltas{domain.FieldShareCount: 1}, nil)
}

// Rate adds a rating in [1,5]. The average is derived from the running sum
// and count, so concurrent ratings never overwrite one another.
func (s *Store) Rate(ctx context.Context, knowledgeID string, rating float64) error {
	if rating < 1 || rating > 5 {
		return domain.NewError(domain.ErrorValidation, "rating_out_of_range", nil)
	}
	return s.increment(ctx, knowledgeID, "knowledge_rating", domain.Deltas{
		domain.FieldRatingSum:    rating,
		domain.FieldTotalRatings: 1,
	}, nil)
}

func (s *Store) increment(ctx context.Context, knowledgeID, reason string, deltas domain.Deltas, touch map[string]time.Time) error {
	err := s.counters.Increment(ctx, domain.CounterUpdate{
		Key:       domain.CounterKey{Kind: domain.CounterKnowledge, ID: knowledgeID},
		Deltas:    deltas,
		Touch:     touch,
		MustExist: true,
	})
	if errors.Is(err, domain.ErrConflict) {
		return domain.NewError(domain.ErrorKnowledgeMissing, "knowledge_not_found", err)
	}
	if err != nil {
		return domain.NewError(domain.ErrorPersistence, reason, err)
	}
	return nil
}

func lookupError(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewError(domain.ErrorKnowledgeMissing, "knowledge_not_found", err)
	}
	return domain.NewError(domain.ErrorPersistence, "knowledge_lookup", err)
}

func activeOnly(items []domain.KnowledgeItem) []domain.KnowledgeItem {
	out := items[:0]
	for _, k := range items {
		if k.Status == domain.KnowledgeActive {
			out = append(out, k)
		}
	}
	return out
}

// normalizeKeywords lower-cases, trims and de-duplicates, keeping first-seen order.
func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}

var newID = func() string {
	return uuid.NewString()
}
