package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/adk/model"
	"google.golang.org/genai"

	"github.com/cpunion/chorus/pkg/types"
)

// ModelGenerator adapts any adk model.LLM into a Generator.
type ModelGenerator struct {
	llm    model.LLM
	config *genai.GenerateContentConfig

	mu      sync.Mutex
	lastRaw string
}

// NewModelGenerator wraps llm. config may be nil.
func NewModelGenerator(llm model.LLM, config *genai.GenerateContentConfig) *ModelGenerator {
	return &ModelGenerator{llm: llm, config: config}
}

// Generate runs a single non-streaming request against the model.
func (m *ModelGenerator) Generate(ctx context.Context, prompt string, img *types.Image) (string, error) {
	provider := m.llm.Name()
	req := &model.LLMRequest{
		Contents: BuildContents(prompt, img),
		Config:   m.config,
	}

	var (
		sb  strings.Builder
		raw string
	)
	for resp, err := range m.llm.GenerateContent(ctx, req, false) {
		if err != nil {
			if raw == "" {
				raw = err.Error()
			}
			m.setRaw(raw)
			return "", &GenerationError{Provider: provider, Err: err, Raw: raw}
		}
		if resp == nil || resp.Content == nil {
			continue
		}
		if data, mErr := json.Marshal(resp.Content); mErr == nil {
			raw = string(data)
		}
		sb.WriteString(joinText(resp.Content))
	}
	m.setRaw(raw)

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &GenerationError{Provider: provider, Err: fmt.Errorf("empty response from %s", provider), Raw: raw}
	}
	return text, nil
}

// LastRawResponse returns the payload of the most recent call.
func (m *ModelGenerator) LastRawResponse() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRaw, m.lastRaw != ""
}

func (m *ModelGenerator) setRaw(raw string) {
	m.mu.Lock()
	m.lastRaw = raw
	m.mu.Unlock()
}
