package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultOllamaModel   = "llama3.1"
	defaultOllamaBaseURL = "http://localhost:11434"
)

// OllamaCompleter talks to the Ollama chat API, either a local instance or
// a hosted one that expects the API key as a bearer token.
type OllamaCompleter struct {
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewOllamaCompleter(model, baseURL string) *OllamaCompleter {
	if model == "" {
		model = defaultOllamaModel
	}
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaCompleter{
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// StatusError is a non-200 reply from the Ollama API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama: status %d: %s", e.Code, e.Body)
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

func (o *OllamaCompleter) Complete(ctx context.Context, apiKey string, p Prompt) (string, error) {
	cr := ollamaChatRequest{Model: o.model}
	if p.System != "" {
		cr.Messages = append(cr.Messages, ollamaMessage{Role: "system", Content: p.System})
	}
	cr.Messages = append(cr.Messages, ollamaMessage{Role: "user", Content: p.User})
	if p.JSON {
		cr.Format = "json"
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	text := strings.TrimSpace(result.Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
