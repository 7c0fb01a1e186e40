package knowledge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"avatar-agent/internal/domain"
)

// MaxRanked is the size of the shortlist handed to the turn processor.
const MaxRanked = 5

type AccessRecorder interface {
	RecordAccess(ctx context.Context, knowledgeID string) error
}

// Ranker turns a user query into a deterministic shortlist of knowledge items.
type Ranker struct {
	gateway  Gateway
	accesses AccessRecorder
	log      *slog.Logger
}

func NewRanker(gateway Gateway, accesses AccessRecorder, log *slog.Logger) (*Ranker, error) {
	if gateway == nil {
		return nil, errors.New("knowledge: gateway must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ranker{gateway: gateway, accesses: accesses, log: log}, nil
}

// Rank returns at most MaxRanked items for query, ordered by relevance score,
// then access count, then id. culturalContext narrows the result unless that
// would leave nothing.
func (r *Ranker) Rank(ctx context.Context, avatarID, query, culturalContext string) ([]domain.KnowledgeItem, error) {
	keywords := Tokenize(query)

	var byAvatar, byKeyword []domain.KnowledgeItem
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		items, err := r.gateway.GetByAvatar(gctx, avatarID)
		byAvatar = items
		return err
	})
	if len(keywords) > 0 {
		g.Go(func() error {
			items, err := r.gateway.SearchByKeywords(gctx, keywords)
			byKeyword = items
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Keyword results never come from the avatar cache, so their copy of a
	// shared item wins.
	candidates := dedupe(append(byKeyword, byAvatar...))
	if culturalContext != "" {
		if matched := filterCulture(candidates, culturalContext); len(matched) > 0 {
			candidates = matched
		}
	}
	sortRanked(candidates)
	if len(candidates) > MaxRanked {
		candidates = candidates[:MaxRanked]
	}

	if r.accesses != nil {
		for _, k := range candidates {
			if err := r.accesses.RecordAccess(ctx, k.KnowledgeID); err != nil {
				r.log.Warn("record knowledge access failed", "knowledge_id", k.KnowledgeID, "error", err)
			}
		}
	}
	return candidates, nil
}

// Tokenize lower-cases query and splits it on whitespace. Surrounding
// punctuation is trimmed so "¿historia?" yields "historia". At most
// domain.MaxSearchKeywords distinct tokens are returned.
func Tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
		if len(out) == domain.MaxSearchKeywords {
			break
		}
	}
	return out
}

func dedupe(items []domain.KnowledgeItem) []domain.KnowledgeItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]domain.KnowledgeItem, 0, len(items))
	for _, k := range items {
		if _, dup := seen[k.KnowledgeID]; dup {
			continue
		}
		seen[k.KnowledgeID] = struct{}{}
		out = append(out, k)
	}
	return out
}

func filterCulture(items []domain.KnowledgeItem, culture string) []domain.KnowledgeItem {
	var out []domain.KnowledgeItem
	for _, k := range items {
		if k.MatchesCulture(culture) {
			out = append(out, k)
		}
	}
	return out
}

func sortRanked(items []domain.KnowledgeItem) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.TimesAccessed != b.TimesAccessed {
			return a.TimesAccessed > b.TimesAccessed
		}
		return a.KnowledgeID < b.KnowledgeID
	})
}
