package generation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiCompleter calls the Gemini API. One client is kept per API key.
type GeminiCompleter struct {
	model   string
	baseURL string

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGeminiCompleter(model, baseURL string) *GeminiCompleter {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiCompleter{model: model, baseURL: baseURL, clients: make(map[string]*genai.Client)}
}

func (g *GeminiCompleter) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	g.clients[apiKey] = c
	return c, nil
}

// Prune drops cached clients for keys not in keep and returns how many
// were dropped.
func (g *GeminiCompleter) Prune(keep []string) int {
	live := make(map[string]bool, len(keep))
	for _, k := range keep {
		live[k] = true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.clients {
		if !live[k] {
			delete(g.clients, k)
			n++
		}
	}
	return n
}

// cached reports whether a client for apiKey is cached.
func (g *GeminiCompleter) cached(apiKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.clients[apiKey]
	return ok
}

func (g *GeminiCompleter) Complete(ctx context.Context, apiKey string, p Prompt) (string, error) {
	c, err := g.client(ctx, apiKey)
	if err != nil {
		return "", err
	}
	cfg := &genai.GenerateContentConfig{}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := c.Models.GenerateContent(ctx, g.model, genai.Text(p.User), cfg)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
