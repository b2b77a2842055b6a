package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string         `json:"response_mime_type,omitempty"`
	ResponseSchema   map[string]any `json:"response_schema,omitempty"`
}

type geminiRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generation_config,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Gemini client. Timeout bounds each invocation's
// HTTP round trip.
func NewClient(apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) SourceName() string {
	return "Gemini"
}

// JSONTextImage sends the prompt and image to a Gemini model with
// schema-constrained output and returns the inner JSON object from
// candidates[0].content.parts[0].text.
func (c *Client) JSONTextImage(ctx context.Context, model, prompt, mimeType, base64Image string, schema map[string]any) (json.RawMessage, error) {
	rid := uuid.New().String()
	start := time.Now()

	reqBody := geminiRequest{
		Contents: []content{
			{
				Parts: []part{
					{Text: prompt},
					{
						InlineData: &inlineData{
							MimeType: mimeType,
							Data:     base64Image,
						},
					},
				},
			},
		},
		GenerationConfig: generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		},
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, fmt.Errorf("marshal request: %w", err))
	}

	// try v1beta first, then v1
	endpoints := []string{
		fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey),
		fmt.Sprintf("%s/v1/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey),
	}

	var lastErr error
	for _, ep := range endpoints {
		inner, err := c.generateContent(ctx, model, ep, data)
		if err != nil {
			lastErr = err
			continue
		}
		log.Infof("gemini invocation ok req_id=%s model=%s elapsed_ms=%d", rid, model, time.Since(start).Milliseconds())
		return inner, nil
	}
	return nil, lastErr
}

func (c *Client) generateContent(ctx context.Context, model, endpoint string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindTransport, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, llm.NewError(c.SourceName(), model, llm.KindHTTPStatus,
			fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBytes)))
	}

	var gr geminiResponse
	if err := json.Unmarshal(respBytes, &gr); err != nil {
		return nil, llm.NewError(c.SourceName(), model, llm.KindBadEnvelope, fmt.Errorf("parse response: %w", err))
	}
	if len(gr.Candidates) == 0 {
		return nil, llm.NewError(c.SourceName(), model, llm.KindBadEnvelope, fmt.Errorf("no candidates in response"))
	}

	for _, p := range gr.Candidates[0].Content.Parts {
		if p.Text == "" {
			continue
		}
		// Models occasionally fence the object in ```json blocks despite
		// schema-constrained output.
		text := parser.ExtractJSONFromMarkdown(p.Text)
		if !json.Valid([]byte(text)) {
			return nil, llm.NewError(c.SourceName(), model, llm.KindBadContent, fmt.Errorf("candidate text is not valid JSON"))
		}
		return json.RawMessage(text), nil
	}
	return nil, llm.NewError(c.SourceName(), model, llm.KindBadEnvelope, fmt.Errorf("no text part in response"))
}
