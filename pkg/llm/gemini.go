package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/cpunion/chorus/pkg/types"
)

// Gemini implements Generator using Google GenAI Gemini.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature *float32

	mu      sync.Mutex
	lastRaw string
}

// GeminiConfig holds configuration for the Gemini generator.
type GeminiConfig struct {
	APIKey      string  // If empty, uses GOOGLE_API_KEY env var
	Model       string  // e.g., "gemini-2.5-flash"
	Temperature float64 // 0 keeps the model default
}

// NewGemini creates a new Gemini generator.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("GOOGLE_MODEL")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	g := &Gemini{client: client, model: model}
	if cfg.Temperature > 0 {
		t := float32(cfg.Temperature)
		g.temperature = &t
	}
	return g, nil
}

// Generate produces a response from Gemini. The image, when present, is
// sent inline next to the prompt.
func (g *Gemini) Generate(ctx context.Context, prompt string, img *types.Image) (string, error) {
	var config *genai.GenerateContentConfig
	if g.temperature != nil {
		config = &genai.GenerateContentConfig{Temperature: g.temperature}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, BuildContents(prompt, img), config)
	if err != nil {
		g.setRaw(err.Error())
		return "", &GenerationError{Provider: "gemini", Err: err, Raw: err.Error()}
	}

	raw := ""
	if data, mErr := json.Marshal(resp); mErr == nil {
		raw = string(data)
	}
	g.setRaw(raw)

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &GenerationError{Provider: "gemini", Err: fmt.Errorf("no response from gemini"), Raw: raw}
	}

	text := strings.TrimSpace(joinText(resp.Candidates[0].Content))
	if text == "" {
		return "", &GenerationError{Provider: "gemini", Err: fmt.Errorf("empty response from gemini"), Raw: raw}
	}
	return text, nil
}

// LastRawResponse returns the payload of the most recent call.
func (g *Gemini) LastRawResponse() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRaw, g.lastRaw != ""
}

// Model returns the model name.
func (g *Gemini) Model() string {
	return g.model
}

func (g *Gemini) setRaw(raw string) {
	g.mu.Lock()
	g.lastRaw = raw
	g.mu.Unlock()
}

// BuildContents builds a single user turn from a prompt and optional image.
func BuildContents(prompt string, img *types.Image) []*genai.Content {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if img != nil && len(img.Data) > 0 {
		mime := img.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, genai.NewPartFromBytes(img.Data, mime))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func joinText(content *genai.Content) string {
	var sb strings.Builder
	for _, part := range content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
