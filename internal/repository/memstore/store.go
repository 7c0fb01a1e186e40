// Package memstore is an in-process implementation of the repository
// contracts, used for local runs and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"avatar-agent/internal/domain"
)

type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.AvatarSession
	turns     map[string][]domain.ConversationTurn
	knowledge map[string]*domain.KnowledgeItem
	avatars   map[string]*domain.AvatarStats
	metrics   map[domain.MetricKey]*domain.MetricSnapshot
	members   map[memberSet]map[string]struct{}
}

type memberSet struct {
	key domain.MetricKey
	set string
}

func New() *Store {
	return &Store{
		sessions:  make(map[string]*domain.AvatarSession),
		turns:     make(map[string][]domain.ConversationTurn),
		knowledge: make(map[string]*domain.KnowledgeItem),
		avatars:   make(map[string]*domain.AvatarStats),
		metrics:   make(map[domain.MetricKey]*domain.MetricSnapshot),
		members:   make(map[memberSet]map[string]struct{}),
	}
}

func (s *Store) CreateSession(_ context.Context, sess domain.AvatarSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.SessionID]; exists {
		return fmt.Errorf("memstore: CreateSession: %w", domain.ErrConflict)
	}
	cp := sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (domain.AvatarSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.AvatarSession{}, fmt.Errorf("memstore: GetSession: %w", domain.ErrNotFound)
	}
	return *sess, nil
}

func (s *Store) UpdateSession(_ context.Context, sessionID string, expected domain.SessionStatus, patch domain.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.SessionStatus != expected {
		return fmt.Errorf("memstore: UpdateSession: %w", domain.ErrConflict)
	}
	patch.Apply(sess)
	return nil
}

func (s *Store) ListIdleSessions(_ context.Context, cutoff time.Time) ([]domain.AvatarSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AvatarSession
	for _, sess := range s.sessions {
		if sess.SessionStatus.Open() && sess.LastActivityTime.Before(cutoff) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (s *Store) AppendTurn(_ context.Context, t domain.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.turns[t.SessionID] {
		if existing.MessageOrder == t.MessageOrder {
			return fmt.Errorf("memstore: AppendTurn: %w", domain.ErrConflict)
		}
	}
	turns := append(s.turns[t.SessionID], t)
	sort.Slice(turns, func(i, j int) bool { return turns[i].MessageOrder < turns[j].MessageOrder })
	s.turns[t.SessionID] = turns
	return nil
}

func (s *Store) ListTurns(_ context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	return append([]domain.ConversationTurn(nil), turns...), nil
}

func (s *Store) GetTurn(_ context.Context, sessionID string, order int) (domain.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.turns[sessionID] {
		if t.MessageOrder == order {
			return t, nil
		}
	}
	return domain.ConversationTurn{}, fmt.Errorf("memstore: GetTurn: %w", domain.ErrNotFound)
}

func (s *Store) LastTurn(_ context.Context, sessionID string) (domain.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[sessionID]
	if len(turns) == 0 {
		return domain.ConversationTurn{}, fmt.Errorf("memstore: LastTurn: %w", domain.ErrNotFound)
	}
	return turns[len(turns)-1], nil
}

func (s *Store) CreateKnowledge(_ context.Context, k domain.KnowledgeItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.knowledge[k.KnowledgeID]; exists {
		return fmt.Errorf("memstore: CreateKnowledge: %w", domain.ErrConflict)
	}
	cp := k
	s.knowledge[k.KnowledgeID] = &cp
	return nil
}

func (s *Store) GetKnowledge(_ context.Context, knowledgeID string) (domain.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.knowledge[knowledgeID]
	if !ok {
		return domain.KnowledgeItem{}, fmt.Errorf("memstore: GetKnowledge: %w", domain.ErrNotFound)
	}
	return *k, nil
}

func (s *Store) UpdateKnowledgeStatus(_ context.Context, knowledgeID string, status domain.KnowledgeStatus, verification domain.VerificationStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.knowledge[knowledgeID]
	if !ok {
		return fmt.Errorf("memstore: UpdateKnowledgeStatus: %w", domain.ErrConflict)
	}
	k.Status = status
	k.VerificationStatus = verification
	k.UpdatedAt = at
	return nil
}

func (s *Store) KnowledgeByAvatar(_ context.Context, avatarID string) ([]domain.KnowledgeItem, error) {
	return s.filterKnowledge(func(k *domain.KnowledgeItem) bool { return k.AvatarID == avatarID }), nil
}

func (s *Store) SearchKnowledge(_ context.Context, keywords []string) ([]domain.KnowledgeItem, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	return s.filterKnowledge(func(k *domain.KnowledgeItem) bool { return k.HasKeyword(keywords) }), nil
}

func (s *Store) KnowledgeByRegion(_ context.Context, region string) ([]domain.KnowledgeItem, error) {
	return s.filterKnowledge(func(k *domain.KnowledgeItem) bool { return k.CulturalRegion == region }), nil
}

// filterKnowledge returns copies of the ACTIVE items matching keep, in id order.
func (s *Store) filterKnowledge(keep func(*domain.KnowledgeItem) bool) []domain.KnowledgeItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.KnowledgeItem
	for _, k := range s.knowledge {
		if k.Status == domain.KnowledgeActive && keep(k) {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KnowledgeID < out[j].KnowledgeID })
	return out
}

// Increment applies all deltas under the store lock, mirroring the
// single-document atomicity of the DynamoDB implementation.
func (s *Store) Increment(_ context.Context, u domain.CounterUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch u.Key.Kind {
	case domain.CounterSession:
		sess, ok := s.sessions[u.Key.ID]
		if !ok {
			return fmt.Errorf("memstore: Increment: %w", domain.ErrConflict)
		}
		if len(u.StatusIn) > 0 && !contains(u.StatusIn, string(sess.SessionStatus)) {
			return fmt.Errorf("memstore: Increment: %w", domain.ErrConflict)
		}
		if u.Advance != nil {
			if u.Advance.Field != domain.FieldLastCountedOrder {
				return fmt.Errorf("memstore: Increment: unknown session marker %q", u.Advance.Field)
			}
			if int64(sess.LastCountedOrder) >= u.Advance.Value {
				return fmt.Errorf("memstore: Increment: %w", domain.ErrConflict)
			}
		}
		if err := applySessionDeltas(sess, u); err != nil {
			return err
		}
		if u.Advance != nil {
			sess.LastCountedOrder = int(u.Advance.Value)
		}
		return nil
	case domain.CounterKnowledge:
		k, ok := s.knowledge[u.Key.ID]
		if !ok {
			return fmt.Errorf("memstore: Increment: %w", domain.ErrConflict)
		}
		if len(u.StatusIn) > 0 && !contains(u.StatusIn, string(k.Status)) {
			return fmt.Errorf("memstore: Increment: %w", domain.ErrConflict)
		}
		return applyKnowledgeDeltas(k, u)
	case domain.CounterAvatar:
		a, ok := s.avatars[u.Key.ID]
		if !ok {
			if u.MustExist {
				return fmt.Errorf("memstore: Increment: %w", domain.ErrConflict)
			}
			a = &domain.AvatarStats{AvatarID: u.Key.ID}
			s.avatars[u.Key.ID] = a
		}
		for f, d := range u.Deltas {
			switch f {
			case domain.FieldAvatarRatingSum:
				a.RatingSum += d
			case domain.FieldAvatarRatingCount:
				a.RatingCount += int64(d)
			default:
				return fmt.Errorf("memstore: Increment: unknown avatar counter %q", f)
			}
		}
		return nil
	}
	return fmt.Errorf("memstore: Increment: unknown counter kind %q", u.Key.Kind)
}

func applySessionDeltas(sess *domain.AvatarSession, u domain.CounterUpdate) error {
	for f, d := range u.Deltas {
		n := int64(d)
		switch f {
		case domain.FieldTotalMessages:
			sess.TotalMessages += n
		case domain.FieldUserQuestions:
			sess.UserQuestions += n
		case domain.FieldAvatarResponses:
			sess.AvatarResponses += n
		case domain.FieldStoriesTold:
			sess.StoriesTold += n
		case domain.FieldRecommendationsMade:
			sess.RecommendationsMade += n
		default:
			return fmt.Errorf("memstore: Increment: unknown session counter %q", f)
		}
	}
	if t, ok := u.Touch[domain.FieldLastActivityTime]; ok {
		sess.LastActivityTime = t
	}
	return nil
}

func applyKnowledgeDeltas(k *domain.KnowledgeItem, u domain.CounterUpdate) error {
	for f, d := range u.Deltas {
		switch f {
		case domain.FieldTimesAccessed:
			k.TimesAccessed += int64(d)
		case domain.FieldShareCount:
			k.ShareCount += int64(d)
		case domain.FieldRatingSum:
			k.RatingSum += d
		case domain.FieldTotalRatings:
			k.TotalRatings += int64(d)
		default:
			return fmt.Errorf("memstore: Increment: unknown knowledge counter %q", f)
		}
	}
	if t, ok := u.Touch[domain.FieldLastAccessed]; ok {
		k.LastAccessed = &t
	}
	return nil
}

func (s *Store) GetAvatarStats(_ context.Context, avatarID string) (domain.AvatarStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.avatars[avatarID]; ok {
		return *a, nil
	}
	return domain.AvatarStats{AvatarID: avatarID}, nil
}

func (s *Store) IncrementMetric(_ context.Context, key domain.MetricKey, deltas domain.Deltas) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.metric(key)
	for f, d := range deltas {
		m.Counters[f] += d
	}
	return nil
}

// AddMetricMember ignores expireAt; members are kept for the life of the
// store.
func (s *Store) AddMetricMember(_ context.Context, key domain.MetricKey, set, member string, _ time.Time) (bool, error) {
	if set == "" || member == "" {
		return false, fmt.Errorf("memstore: AddMetricMember: set and member are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := memberSet{key: key, set: set}
	if _, ok := s.members[ms][member]; ok {
		return false, nil
	}
	if s.members[ms] == nil {
		s.members[ms] = map[string]struct{}{}
	}
	s.members[ms][member] = struct{}{}
	s.metric(key).Counters[set]++
	return true, nil
}

func (s *Store) ListMetricMembers(_ context.Context, key domain.MetricKey, set string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.members[memberSet{key: key, set: set}]))
	for m := range s.members[memberSet{key: key, set: set}] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetMetric(_ context.Context, key domain.MetricKey) (domain.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[key]
	if !ok {
		return domain.MetricSnapshot{Kind: key.Kind, TargetID: key.TargetID, Counters: map[string]float64{}}, nil
	}
	return cloneSnapshot(m), nil
}

func (s *Store) ListMetrics(_ context.Context, kind domain.MetricKind) ([]domain.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.MetricSnapshot
	for key, m := range s.metrics {
		if key.Kind == kind {
			out = append(out, cloneSnapshot(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].TargetID, out[j].TargetID) < 0 })
	return out, nil
}

// metric returns the mutable snapshot for key; callers hold the write lock.
func (s *Store) metric(key domain.MetricKey) *domain.MetricSnapshot {
	m, ok := s.metrics[key]
	if !ok {
		m = &domain.MetricSnapshot{Kind: key.Kind, TargetID: key.TargetID, Counters: map[string]float64{}}
		s.metrics[key] = m
	}
	return m
}

func cloneSnapshot(m *domain.MetricSnapshot) domain.MetricSnapshot {
	out := domain.MetricSnapshot{
		Kind:     m.Kind,
		TargetID: m.TargetID,
		Counters: make(map[string]float64, len(m.Counters)),
	}
	for k, v := range m.Counters {
		out.Counters[k] = v
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
