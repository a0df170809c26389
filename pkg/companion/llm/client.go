// Package llm talks to OpenAI-compatible chat completion endpoints (OpenRouter
// by default). Every personality carries its own endpoint, model and
// temperature; the Gateway only adds credentials and attribution headers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/companion/pkg/companion/persona"
)

// DefaultTimeout bounds a single completion request.
const DefaultTimeout = 60 * time.Second

// ---------- Failures ----------

// FailureKind classifies a failed completion.
type FailureKind int

const (
	KindTransport         FailureKind = iota // connect, timeout, reading the body
	KindMalformedResponse                    // body is not the expected JSON shape
	KindStatus                               // non-2xx HTTP status
)

func (k FailureKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindMalformedResponse:
		return "malformed_response"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *Failure of the same kind.
var (
	ErrTransport         = errors.New("completion transport failure")
	ErrMalformedResponse = errors.New("malformed completion response")
	ErrStatus            = errors.New("completion endpoint returned an error status")
)

// Failure is the error returned by every Gateway call. Its Error text is
// meant to be shown to the user as the reply.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Cause      error
}

func (f *Failure) Error() string {
	switch f.Kind {
	case KindTransport:
		return fmt.Sprintf("Request error: %v", f.Cause)
	case KindMalformedResponse:
		return fmt.Sprintf("Response decode error: %v", f.Cause)
	case KindStatus:
		return fmt.Sprintf("HTTP error %d: %v", f.StatusCode, f.Cause)
	default:
		return fmt.Sprintf("Completion error: %v", f.Cause)
	}
}

func (f *Failure) Unwrap() error { return f.Cause }

// Is matches the sentinel for the failure's kind.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTransport:
		return f.Kind == KindTransport
	case ErrMalformedResponse:
		return f.Kind == KindMalformedResponse
	case ErrStatus:
		return f.Kind == KindStatus
	}
	return false
}

// ---------- Wire Types (OpenAI-compatible) ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ---------- Client ----------

// Config holds the gateway settings shared by all personalities.
type Config struct {
	APIKey  string
	SiteURL string // sent as HTTP-Referer when set
	AppName string // sent as X-Title when set
	Timeout time.Duration

	// StripNamePrefix keeps only the text after the first colon of a reply.
	StripNamePrefix bool
}

// Gateway issues completion requests.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "llm"),
	}
}

// post sends messages verbatim to the personality's endpoint and returns the
// trimmed content of the first choice.
func (g *Gateway) post(ctx context.Context, p persona.Personality, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    messages,
		Temperature: p.Temperature,
	})
	if err != nil {
		return "", &Failure{Kind: KindMalformedResponse, Cause: fmt.Errorf("marshaling request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", &Failure{Kind: KindTransport, Cause: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	if g.cfg.SiteURL != "" {
		req.Header.Set("HTTP-Referer", g.cfg.SiteURL)
	}
	if g.cfg.AppName != "" {
		req.Header.Set("X-Title", g.cfg.AppName)
	}

	g.logger.Debug("sending chat completion",
		"personality", p.Name,
		"model", p.Model,
		"messages", len(messages),
	)

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &Failure{Kind: KindTransport, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Failure{Kind: KindTransport, Cause: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.Error("API error",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return "", &Failure{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Cause:      errors.New(truncate(strings.TrimSpace(string(respBody)), 500)),
		}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", &Failure{Kind: KindMalformedResponse, Cause: err}
	}
	if chatResp.Error != nil {
		return "", &Failure{Kind: KindMalformedResponse, Cause: fmt.Errorf("API error: %s", chatResp.Error.Message)}
	}
	if len(chatResp.Choices) == 0 {
		return "", &Failure{Kind: KindMalformedResponse, Cause: errors.New("no choices in response")}
	}

	choice := chatResp.Choices[0]
	g.logger.Info("chat completion done",
		"personality", p.Name,
		"model", p.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)
	return strings.TrimSpace(choice.Message.Content), nil
}

// truncate limits s to maxLen bytes, adding "..." when cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
