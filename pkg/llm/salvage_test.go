package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpunion/chorus/pkg/types"
)

type rawOnly struct{ raw string }

func (rawOnly) Generate(context.Context, string, *types.Image) (string, error) {
	return "", errors.New("unused")
}

func (r rawOnly) LastRawResponse() (string, bool) { return r.raw, r.raw != "" }

// textOnly is a generator that keeps no raw payload.
type textOnly struct{}

func (textOnly) Generate(context.Context, string, *types.Image) (string, error) { return "", nil }

func TestExtractContent(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{"empty", "", "", false},
		{"gemini payload", `{"candidates":[{"content":{"parts":[{"text":"Looks tasty!"}]}}]}`, "Looks tasty!", true},
		{"plain content field", `{"content":"  hello there "}`, "hello there", true},
		{"chat style", `{"choices":[{"message":{"content":"hi"}}]}`, "hi", true},
		{"nested unknown shape", `{"data":{"items":[{"text":"deep"}]}}`, "deep", true},
		{"truncated json", `{"content":"cut off mid sent`, "cut off mid sent", true},
		{"escaped newline", `garbage "text": "line one\nline two" trailing`, "line one\nline two", true},
		{"no content", `{"error":{"code":500}}`, "", false},
		{"blank content", `{"content":"   "}`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractContent(tc.raw)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSalvagePrefersErrorPayload(t *testing.T) {
	err := &GenerationError{Provider: "test", Err: errors.New("schema mismatch"), Raw: `{"content":"from error"}`}
	got, ok := Salvage(err, rawOnly{raw: `{"content":"from generator"}`})
	require.True(t, ok)
	assert.Equal(t, "from error", got)
}

func TestSalvageFallsBackToLastRaw(t *testing.T) {
	got, ok := Salvage(errors.New("boom"), rawOnly{raw: `{"text":"kept"}`})
	require.True(t, ok)
	assert.Equal(t, "kept", got)

	_, ok = Salvage(errors.New("boom"), rawOnly{})
	assert.False(t, ok)

	_, ok = Salvage(errors.New("boom"), textOnly{})
	assert.False(t, ok)
}

func TestGenerationErrorUnwrap(t *testing.T) {
	base := errors.New("quota")
	err := error(&GenerationError{Provider: "gemini", Err: base})
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "gemini generate failed")
}
