package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"avatar-agent/internal/knowledge"
)

type seedItem struct {
	AvatarID        string   `yaml:"avatar_id"`
	Category        string   `yaml:"category"`
	CulturalRegion  string   `yaml:"cultural_region"`
	RelatedCultures []string `yaml:"related_cultures"`
	DifficultyLevel string   `yaml:"difficulty_level"`
	TargetAudience  string   `yaml:"target_audience"`
	Keywords        []string `yaml:"keywords"`
	RelatedTopics   []string `yaml:"related_topics"`
	Title           string   `yaml:"title"`
	Summary         string   `yaml:"summary"`
	Description     string   `yaml:"description"`
	Content         string   `yaml:"content"`
	RelevanceScore  float64  `yaml:"relevance_score"`
	Verified        bool     `yaml:"verified"`
}

type seedFile struct {
	Knowledge []seedItem `yaml:"knowledge"`
}

// SeedKnowledgeFile loads knowledge items from a YAML file. See SeedKnowledge.
func (a *App) SeedKnowledgeFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening seed %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return a.SeedKnowledge(ctx, f)
}

// SeedKnowledge creates every item in the document and verifies the ones
// marked verified, which makes them retrievable. It returns how many items
// were created.
func (a *App) SeedKnowledge(ctx context.Context, r io.Reader) (int, error) {
	var doc seedFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return 0, fmt.Errorf("decoding seed: %w", err)
	}
	for i, s := range doc.Knowledge {
		item, err := a.Knowledge.Create(ctx, knowledge.CreateInput{
			AvatarID:        s.AvatarID,
			Category:        s.Category,
			CulturalRegion:  s.CulturalRegion,
			RelatedCultures: s.RelatedCultures,
			DifficultyLevel: s.DifficultyLevel,
			TargetAudience:  s.TargetAudience,
			Keywords:        s.Keywords,
			RelatedTopics:   s.RelatedTopics,
			Title:           s.Title,
			Summary:         s.Summary,
			Description:     s.Description,
			Content:         s.Content,
			RelevanceScore:  s.RelevanceScore,
		})
		if err != nil {
			return i, fmt.Errorf("seed item %d (%q): %w", i, s.Title, err)
		}
		if s.Verified {
			if err := a.Knowledge.Verify(ctx, item.KnowledgeID); err != nil {
				return i, fmt.Errorf("verify seed item %d (%q): %w", i, s.Title, err)
			}
		}
	}
	return len(doc.Knowledge), nil
}
