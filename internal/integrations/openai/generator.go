package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type avatarReply struct {
	Reply string `json:"reply"`
}

// Generate asks the model for an in-character reply grounded only on the
// given knowledge snippets.
func (c *Client) Generate(ctx context.Context, avatarID, userText string, snippets []string) (string, error) {
	avatarID = strings.TrimSpace(avatarID)
	if avatarID == "" {
		return "", errors.New("openai: avatar id must not be empty")
	}
	model, err := c.resolveModel(ctx)
	if err != nil {
		return "", err
	}
	persona, err := c.resolvePersona(ctx, avatarID)
	if err != nil {
		return "", err
	}

	raw, err := c.chat(ctx, model, buildReplyMessages(persona, userText, snippets))
	if err != nil {
		return "", err
	}
	reply, err := parseAvatarReply(raw)
	if err != nil {
		return "", err
	}
	return reply, nil
}

// resolveModel loads the model name once and caches it.
func (c *Client) resolveModel(ctx context.Context) (string, error) {
	c.cfgMu.RLock()
	model := c.model
	c.cfgMu.RUnlock()
	if model != "" {
		return model, nil
	}

	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if c.model != "" {
		return c.model, nil
	}
	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/config/openai_model")
	if err != nil {
		return "", fmt.Errorf("openai: load model: %w", err)
	}
	c.model = strings.TrimSpace(raw)
	if c.model == "" {
		return "", errors.New("openai: model parameter is empty")
	}
	return c.model, nil
}

// resolvePersona loads an avatar's persona prompt once per avatar.
func (c *Client) resolvePersona(ctx context.Context, avatarID string) (string, error) {
	c.cfgMu.RLock()
	persona, ok := c.personas[avatarID]
	c.cfgMu.RUnlock()
	if ok {
		return persona, nil
	}

	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if persona, ok := c.personas[avatarID]; ok {
		return persona, nil
	}
	raw, err := c.getter.GetParameter(ctx, c.personaParameterName(avatarID))
	if err != nil {
		return "", fmt.Errorf("openai: load persona %q: %w", avatarID, err)
	}
	persona = normalizePromptInput(raw)
	c.personas[avatarID] = persona
	return persona, nil
}

func (c *Client) personaParameterName(avatarID string) string {
	return c.paramPrefix + "/avatars/" + strings.ToLower(avatarID) + "/persona"
}

func buildReplyMessages(persona, userText string, snippets []string) []chatMessage {
	return []chatMessage{
		{Role: "system", Content: buildPolicyPrompt()},
		{Role: "system", Content: buildKnowledgePrompt(persona, snippets)},
		{Role: "user", Content: strings.TrimSpace(userText)},
	}
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a cultural avatar guiding visitors through a campus heritage experience.",
		"Stay in character as described by the persona.",
		"",
		"Behavior Rules:",
		"1) Answer only the current visitor message.",
		"2) Use only the knowledge snippets in this request as factual sources.",
		"3) Reply in the visitor's language, warmly and in at most four sentences.",
		"4) If the snippets do not cover the question, say so and offer a related topic from the snippets.",
		"",
		"Output Contract:",
		"Return JSON only with the key reply (string) holding the final visitor-facing text.",
	}, "\n")
}

func buildKnowledgePrompt(persona string, snippets []string) string {
	var b strings.Builder
	b.WriteString("Persona:\n")
	b.WriteString(persona)
	b.WriteString("\n\nKnowledge:")
	for _, s := range snippets {
		if s = normalizePromptInput(s); s != "" {
			b.WriteString("\n- ")
			b.WriteString(s)
		}
	}
	return b.String()
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func parseAvatarReply(raw string) (string, error) {
	var out avatarReply
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return "", fmt.Errorf("openai: decode avatar reply: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return "", errors.New("openai: decode avatar reply: multiple JSON values")
		}
		return "", fmt.Errorf("openai: decode avatar reply trailing data: %w", err)
	}
	reply := strings.TrimSpace(out.Reply)
	if reply == "" {
		return "", errors.New("openai: avatar reply is empty")
	}
	return reply, nil
}
