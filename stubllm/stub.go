package stubllm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
)

// Client is a deterministic, no-network provider stub intended for CI and
// local end-to-end tests. It returns schema-valid JSON so downstream
// normalization + DB writes exercise the full pipeline.
type Client struct{}

func NewClient() *Client { return &Client{} }

func (c *Client) SourceName() string { return "Stub" }

func (c *Client) JSONTextImage(_ context.Context, model, prompt, mimeType, base64Image string, _ map[string]any) (json.RawMessage, error) {
	// Make output deterministic per-input so the pipeline is stable in CI.
	sum := sha256.Sum256([]byte(model + prompt + mimeType + base64Image))
	grams := 50 + binary.BigEndian.Uint16(sum[:2])%400
	carbs := 1 + binary.BigEndian.Uint16(sum[2:4])%80

	out := map[string]any{
		"products": []map[string]any{
			{
				"name":  "Stub Food",
				"grams": grams,
				"carbs": carbs,
			},
		},
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
