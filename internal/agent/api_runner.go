package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/imkarma/prp/internal/config"
)

const (
	openAIURL    = "https://api.openai.com/v1/chat/completions"
	anthropicURL = "https://api.anthropic.com/v1/messages"

	anthropicVersion   = "2023-06-01"
	defaultGoogleModel = "gemini-2.5-pro"
	maxOutputTokens    = 4096

	// errorBodyLimit caps how much of a failed response body is quoted.
	errorBodyLimit = 1024
)

// APIRunner talks to a hosted model over its HTTP API. openai covers any
// chat-completions compatible endpoint, anthropic the Messages API and
// google goes through the genai SDK.
type APIRunner struct {
	name   string
	cfg    config.Agent
	apiKey string
	client *http.Client

	openAIURL    string
	anthropicURL string
}

// NewAPIRunner reads the key from the environment variable named in cfg.
func NewAPIRunner(name string, cfg config.Agent) (*APIRunner, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("agent %s: %s is empty or unset", name, cfg.APIKeyEnv)
	}
	return &APIRunner{
		name:         name,
		cfg:          cfg,
		apiKey:       key,
		client:       &http.Client{Timeout: time.Duration(cfg.DefaultTimeout()) * time.Second},
		openAIURL:    openAIURL,
		anthropicURL: anthropicURL,
	}, nil
}

func (r *APIRunner) Name() string { return r.name }
func (r *APIRunner) Mode() string { return config.ModeAPI }

// endpoint is one JSON-over-HTTP provider call: where to send it and how
// to pull the text out of a successful reply.
type endpoint struct {
	url     string
	headers http.Header
	body    any
	text    func([]byte) (string, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

// Run sends req.Prompt as a single user message. Transport failures and
// non-2xx replies come back in Response.Error so the retry layer can
// classify them.
func (r *APIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}
	began := time.Now()

	var (
		resp *Response
		err  error
	)
	switch r.cfg.Provider {
	case "openai":
		resp, err = r.exchange(ctx, r.openAI(req.Prompt))
	case "anthropic":
		resp, err = r.exchange(ctx, r.anthropic(req.Prompt))
	case "google":
		resp, err = r.gemini(ctx, req.Prompt)
	default:
		return nil, fmt.Errorf("agent %s: unsupported API provider %q", r.name, r.cfg.Provider)
	}
	if resp != nil {
		resp.Duration = time.Since(began).Seconds()
	}
	return resp, err
}

func (r *APIRunner) openAI(prompt string) endpoint {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+r.apiKey)
	return endpoint{
		url:     r.openAIURL,
		headers: h,
		body: chatRequest{
			Model:     r.cfg.Model,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
			MaxTokens: maxOutputTokens,
		},
		text: func(raw []byte) (string, error) {
			var reply struct {
				Choices []struct {
					Message chatMessage `json:"message"`
				} `json:"choices"`
			}
			if err := json.Unmarshal(raw, &reply); err != nil {
				return "", err
			}
			if len(reply.Choices) == 0 {
				return "", nil
			}
			return reply.Choices[0].Message.Content, nil
		},
	}
}

func (r *APIRunner) anthropic(prompt string) endpoint {
	h := http.Header{}
	h.Set("x-api-key", r.apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return endpoint{
		url:     r.anthropicURL,
		headers: h,
		body: chatRequest{
			Model:     r.cfg.Model,
			Messages:  []chatMessage{{Role: "user", Content: prompt}},
			MaxTokens: maxOutputTokens,
		},
		text: func(raw []byte) (string, error) {
			var reply struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			}
			if err := json.Unmarshal(raw, &reply); err != nil {
				return "", err
			}
			var sb strings.Builder
			for _, block := range reply.Content {
				if block.Type == "" || block.Type == "text" {
					sb.WriteString(block.Text)
				}
			}
			return sb.String(), nil
		},
	}
}

func (r *APIRunner) exchange(ctx context.Context, ep endpoint) (*Response, error) {
	payload, err := json.Marshal(ep.body)
	if err != nil {
		return nil, fmt.Errorf("agent %s: encode request: %w", r.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("agent %s: build request: %w", r.name, err)
	}
	httpReq.Header = ep.headers.Clone()
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return &Response{ExitCode: -1, Error: fmt.Errorf("agent %s: request failed: %w", r.name, err)}, nil
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("agent %s: read reply: %w", r.name, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		quoted := raw
		if len(quoted) > errorBodyLimit {
			quoted = quoted[:errorBodyLimit]
		}
		return &Response{
			Output:   string(raw),
			ExitCode: httpResp.StatusCode,
			Error:    fmt.Errorf("agent %s: HTTP %d: %s", r.name, httpResp.StatusCode, quoted),
		}, nil
	}

	text, err := ep.text(raw)
	if err != nil {
		return nil, fmt.Errorf("agent %s: decode reply: %w", r.name, err)
	}
	return &Response{Output: text}, nil
}

func (r *APIRunner) gemini(ctx context.Context, prompt string) (*Response, error) {
	model := r.cfg.Model
	if model == "" {
		model = defaultGoogleModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     r.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: r.client,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: genai client: %w", r.name, err)
	}

	out, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		MaxOutputTokens: maxOutputTokens,
	})
	if err != nil {
		return &Response{ExitCode: -1, Error: fmt.Errorf("agent %s: request failed: %w", r.name, err)}, nil
	}
	return &Response{Output: out.Text()}, nil
}
