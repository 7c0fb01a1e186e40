package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"avatar-agent/internal/domain"
)

type fakeGateway struct {
	mu        sync.Mutex
	byAvatar  map[string][]domain.KnowledgeItem
	byKeyword map[string][]domain.KnowledgeItem
	avatarErr error
	searchErr error
	calls     map[string]int
}

func (f *fakeGateway) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
}

func (f *fakeGateway) GetByID(context.Context, string) (domain.KnowledgeItem, error) {
	return domain.KnowledgeItem{}, domain.NewError(domain.ErrorKnowledgeMissing, "knowledge_not_found", nil)
}

func (f *fakeGateway) GetByAvatar(_ context.Context, avatarID string) ([]domain.KnowledgeItem, error) {
	f.count("avatar")
	if f.avatarErr != nil {
		return nil, f.avatarErr
	}
	return append([]domain.KnowledgeItem(nil), f.byAvatar[avatarID]...), nil
}

func (f *fakeGateway) SearchByKeywords(_ context.Context, keywords []string) ([]domain.KnowledgeItem, error) {
	f.count("search")
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []domain.KnowledgeItem
	for _, kw := range keywords {
		out = append(out, f.byKeyword[kw]...)
	}
	return out, nil
}

func (f *fakeGateway) GetByRegion(context.Context, string) ([]domain.KnowledgeItem, error) {
	return nil, nil
}

type recordingAccesses struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingAccesses) RecordAccess(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func item(id string, score float64, accessed int64) domain.KnowledgeItem {
	return domain.KnowledgeItem{KnowledgeID: id, RelevanceScore: score, TimesAccessed: accessed, Status: domain.KnowledgeActive}
}

func TestTokenize(t *testing.T) {
	require.Equal(t, []string{"cuéntame", "una", "historia"}, Tokenize("  Cuéntame una ¿HISTORIA? historia "))
	require.Empty(t, Tokenize(" ¿? "))
}

func TestTokenize_CapsDistinctTokens(t *testing.T) {
	words := make([]string, 0, domain.MaxSearchKeywords+10)
	for i := 0; i < cap(words); i++ {
		words = append(words, fmt.Sprintf("w%d w%d", i, i))
	}
	got := Tokenize(strings.Join(words, " "))
	require.Len(t, got, domain.MaxSearchKeywords)
	require.Equal(t, "w0", got[0])
	require.Equal(t, fmt.Sprintf("w%d", domain.MaxSearchKeywords-1), got[len(got)-1])
}

func TestRanker_PrefersKeywordCopyOverCachedAvatarCopy(t *testing.T) {
	stale := item("b", 1, 0)
	fresh := item("b", 1, 7)
	fresh.Title = "renamed"
	gw := &fakeGateway{
		byAvatar:  map[string][]domain.KnowledgeItem{"VICUNA": {stale}},
		byKeyword: map[string][]domain.KnowledgeItem{"inca": {fresh}},
	}
	r, err := NewRanker(gw, nil, discardLogger())
	require.NoError(t, err)

	got, err := r.Rank(context.Background(), "VICUNA", "inca", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, fresh, got[0])
}

func TestRanker_SortsDedupesAndTruncates(t *testing.T) {
	gw := &fakeGateway{
		byAvatar: map[string][]domain.KnowledgeItem{
			"VICUNA": {item("a", 1, 0), item("b", 3, 1), item("c", 3, 5), item("d", 2, 0)},
		},
		byKeyword: map[string][]domain.KnowledgeItem{
			"inca": {item("b", 3, 1), item("e", 3, 1), item("f", 0.5, 0), item("g", 2, 0)},
		},
	}
	acc := &recordingAccesses{}
	r, err := NewRanker(gw, acc, discardLogger())
	require.NoError(t, err)

	got, err := r.Rank(context.Background(), "VICUNA", "Inca", "")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "e", "d", "g"}, ids(got))
	require.ElementsMatch(t, []string{"c", "b", "e", "d", "g"}, acc.ids)
}

func TestRanker_Deterministic(t *testing.T) {
	gw := &fakeGateway{byAvatar: map[string][]domain.KnowledgeItem{
		"A": {item("z", 1, 0), item("y", 1, 0), item("x", 1, 0), item("w", 1, 0), item("v", 1, 0), item("u", 1, 0)},
	}}
	r, err := NewRanker(gw, nil, discardLogger())
	require.NoError(t, err)

	first, err := r.Rank(context.Background(), "A", "hola", "")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Rank(context.Background(), "A", "hola", "")
		require.NoError(t, err)
		require.Equal(t, ids(first), ids(again))
	}
	require.Equal(t, []string{"u", "v", "w", "x", "y"}, ids(first))
}

func TestRanker_CulturalContextFilter(t *testing.T) {
	andina := item("andina", 1, 0)
	andina.CulturalRegion = "andina"
	related := item("related", 0.5, 0)
	related.RelatedCultures = []string{"quechua", "andina"}
	gw := &fakeGateway{byAvatar: map[string][]domain.KnowledgeItem{
		"A": {item("other", 5, 0), andina, related},
	}}
	r, err := NewRanker(gw, nil, discardLogger())
	require.NoError(t, err)

	got, err := r.Rank(context.Background(), "A", "q", "andina")
	require.NoError(t, err)
	require.Equal(t, []string{"andina", "related"}, ids(got))
}

func TestRanker_ContextMismatchDegradesToUnfiltered(t *testing.T) {
	gw := &fakeGateway{byAvatar: map[string][]domain.KnowledgeItem{
		"A": {item("k1", 1, 0), item("k2", 2, 0)},
	}}
	r, err := NewRanker(gw, nil, discardLogger())
	require.NoError(t, err)

	got, err := r.Rank(context.Background(), "A", "q", "amazonica")
	require.NoError(t, err)
	require.Equal(t, []string{"k2", "k1"}, ids(got))
}

func TestRanker_EmptyCandidates(t *testing.T) {
	r, err := NewRanker(&fakeGateway{}, nil, discardLogger())
	require.NoError(t, err)

	got, err := r.Rank(context.Background(), "A", "nada", "x")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRanker_SkipsSearchWithoutKeywords(t *testing.T) {
	gw := &fakeGateway{}
	r, err := NewRanker(gw, nil, discardLogger())
	require.NoError(t, err)

	_, err = r.Rank(context.Background(), "A", "  ", "")
	require.NoError(t, err)
	require.Equal(t, 1, gw.calls["avatar"])
	require.Zero(t, gw.calls["search"])
}

func TestRanker_PropagatesRetrievalError(t *testing.T) {
	boom := errors.New("boom")
	r, err := NewRanker(&fakeGateway{searchErr: boom}, nil, discardLogger())
	require.NoError(t, err)

	_, err = r.Rank(context.Background(), "A", "inca", "")
	require.ErrorIs(t, err, boom)
}

func TestRanker_AccessFailureIsNotFatal(t *testing.T) {
	gw := &fakeGateway{byAvatar: map[string][]domain.KnowledgeItem{"A": {item("k1", 1, 0)}}}
	r, err := NewRanker(gw, &recordingAccesses{err: errors.New("throttled")}, discardLogger())
	require.NoError(t, err)

	got, err := r.Rank(context.Background(), "A", "q", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestCachedGateway_MemoizesAndInvalidates(t *testing.T) {
	gw := &fakeGateway{byAvatar: map[string][]domain.KnowledgeItem{"A": {item("k1", 1, 0)}}}
	c := NewCachedGateway(gw, 0, time.Minute)
	ctx := context.Background()

	first, err := c.GetByAvatar(ctx, "A")
	require.NoError(t, err)
	first[0].KnowledgeID = "mutated"

	second, err := c.GetByAvatar(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, ids(second))
	require.Equal(t, 1, gw.calls["avatar"])

	c.Invalidate("A")
	_, err = c.GetByAvatar(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, 2, gw.calls["avatar"])

	_, err = c.SearchByKeywords(ctx, []string{"x"})
	require.NoError(t, err)
	require.Equal(t, 1, gw.calls["search"])
}

func TestCachedGateway_DoesNotCacheErrors(t *testing.T) {
	gw := &fakeGateway{avatarErr: errors.New("down")}
	c := NewCachedGateway(gw, 4, time.Minute)

	_, err := c.GetByAvatar(context.Background(), "A")
	require.Error(t, err)
	_, err = c.GetByAvatar(context.Background(), "A")
	require.Error(t, err)
	require.Equal(t, 2, gw.calls["avatar"])
}
