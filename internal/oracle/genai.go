package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const reviewerInstruction = `You review plans for autonomous sub-agents before they are started.
Reply with exactly one line. Start it with VALID if the task is safe and consistent with the role, or INVALID otherwise, then give a one-sentence reason.`

// GenAIReasoner asks a Gemini model for a judgement.
type GenAIReasoner struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

type GenAIConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	// BaseURL overrides the API endpoint.
	BaseURL string
}

func NewGenAIReasoner(ctx context.Context, cfg GenAIConfig) (*GenAIReasoner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIReasoner{client: client, model: cfg.Model, timeout: cfg.Timeout}, nil
}

func (r *GenAIReasoner) Reason(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Models.GenerateContent(ctx,
		r.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(reviewerInstruction, genai.RoleUser),
			Temperature:       genai.Ptr[float32](0),
		},
	)
	if err != nil {
		return "", unavailable("genai generate", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (r *GenAIReasoner) Name() string {
	return "genai:" + r.model
}
