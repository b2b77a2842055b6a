package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/baobabichh/diabetic-diary/llm"
	"github.com/baobabichh/diabetic-diary/parser"
)

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imageURL struct {
	URL string `json:"url"`
}

type imageContent struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []message      `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client represents an OpenAI API client
type Client struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewClient creates a new OpenAI client. Timeout bounds each invocation's
// HTTP round trip.
func NewClient(apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// SourceName identifies this provider in logs and saved results.
func (c *Client) SourceName() string {
	return "ChatGPT"
}

// JSONTextImage sends the prompt and image to an OpenAI vision model and
// returns the inner JSON object from choices[0].message.content.
func (c *Client) JSONTextImage(ctx context.Context, model, prompt, mimeType, base64Image string, schema map[string]any) (json.RawMessage, error) {
	rid := uuid.New().String()
	start := time.Now()

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, fmt.Errorf("marshal schema: %w", err))
	}

	systemText := "You are a helpful assistant that returns JSON responses only. " +
		"Your response must follow this JSON schema: " + string(schemaJSON)

	reqBody := chatRequest{
		Model: model,
		Messages: []message{
			{
				Role:    "system",
				Content: systemText,
			},
			{
				Role: "user",
				Content: []any{
					textContent{Type: "text", Text: prompt},
					imageContent{
						Type: "image_url",
						ImageURL: imageURL{
							URL: "data:" + mimeType + ";base64," + base64Image,
						},
					},
				},
			},
		},
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, llm.NewError(c.SourceName(), model, llm.KindHTTPStatus,
			fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body)))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindBadEnvelope, fmt.Errorf("parse response: %w", err))
	}

	if len(chatResp.Choices) == 0 {
		return nil, llm.NewError(c.SourceName(), model, llm.KindBadEnvelope, fmt.Errorf("no choices in response"))
	}

	content, ok := chatResp.Choices[0].Message.Content.(string)
	if !ok {
		return nil, llm.NewError(c.SourceName(), model, llm.KindBadEnvelope, fmt.Errorf("message content is not a string"))
	}

	// Models occasionally fence the object in ```json blocks despite JSON-mode.
	content = parser.ExtractJSONFromMarkdown(content)
	if !json.Valid([]byte(content)) {
		return nil, llm.NewError(c.SourceName(), model, llm.KindBadContent, fmt.Errorf("response content is not valid JSON"))
	}

	log.Infof("openai invocation ok req_id=%s model=%s elapsed_ms=%d", rid, model, time.Since(start).Milliseconds())
	return json.RawMessage(content), nil
}
