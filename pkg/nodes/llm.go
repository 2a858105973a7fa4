package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

// LLM calls an OpenAI-compatible chat completions endpoint. The API key is
// read from the environment variable named by api_key_env, defaulting to
// OPENAI_API_KEY.
type LLM struct {
	Client *http.Client
}

func (h *LLM) Execute(ctx context.Context, params map[string]any, rt *Runtime) (any, error) {
	prompt, err := requireString(params, "prompt")
	if err != nil {
		return nil, err
	}
	model := optionalString(params, "model", "gpt-4o-mini")
	keyEnv := optionalString(params, "api_key_env", "OPENAI_API_KEY")
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: llm: %s is not set", ErrHandler, keyEnv)
	}
	baseURL := optionalString(params, "base_url", os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	messages := []any{}
	if system := optionalString(params, "system", ""); system != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system})
	}
	messages = append(messages, map[string]any{"role": "user", "content": prompt})

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": optionalFloat(params, "temperature", 0.7),
	}
	if maxTokens := optionalInt(params, "max_tokens", 0); maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: llm: encode request: %v", ErrHandler, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: llm: %v", ErrHandler, err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	rt.Logger.Debug("calling llm", zap.String("model", model), zap.String("base_url", baseURL))

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: llm: %v", ErrHandler, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: llm: read response: %v", ErrHandler, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: llm API error (%d): %s", ErrHandler, resp.StatusCode, raw)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: llm: parse response: %v", ErrHandler, err)
	}
	content := ""
	if len(decoded.Choices) > 0 {
		content = decoded.Choices[0].Message.Content
	}
	var usage any
	if len(decoded.Usage) > 0 {
		usage = value.FromJSON(decoded.Usage)
	}

	return map[string]any{
		"content": content,
		"model":   model,
		"usage":   usage,
	}, nil
}
