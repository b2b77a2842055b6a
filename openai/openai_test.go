package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/baobabichh/diabetic-diary/llm"
	"github.com/baobabichh/diabetic-diary/schema"
)

func newTestClient(srvURL string) *Client {
	c := NewClient("test-key", 5*time.Second)
	c.endpoint = srvURL
	return c
}

func chatCompletion(content any) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
}

func TestJSONTextImage(t *testing.T) {
	inner := `{"products":[{"name":"Apple","grams":150,"carbs":20}]}`

	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatCompletion(inner))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	raw, err := c.JSONTextImage(context.Background(), "gpt-4o", schema.NutritionPrompt, "image/jpeg", "aW1n", schema.Nutrition())
	if err != nil {
		t.Fatalf("JSONTextImage() error: %v", err)
	}
	if string(raw) != inner {
		t.Errorf("inner JSON = %s, want %s", raw, inner)
	}

	if gotReq.Model != "gpt-4o" {
		t.Errorf("request model = %q", gotReq.Model)
	}
	if gotReq.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %q, want json_object", gotReq.ResponseFormat.Type)
	}
	if len(gotReq.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(gotReq.Messages))
	}
	systemText, ok := gotReq.Messages[0].Content.(string)
	if !ok || !strings.Contains(systemText, `"products"`) {
		t.Errorf("system message does not embed the schema: %v", gotReq.Messages[0].Content)
	}
	// The user message carries the prompt and the data URL.
	userJSON, _ := json.Marshal(gotReq.Messages[1].Content)
	if !strings.Contains(string(userJSON), "data:image/jpeg;base64,aW1n") {
		t.Errorf("user message missing image data URL: %s", userJSON)
	}
}

func TestJSONTextImageFencedContent(t *testing.T) {
	inner := `{"products":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatCompletion("```json\n" + inner + "\n```"))
	}))
	defer srv.Close()

	raw, err := newTestClient(srv.URL).JSONTextImage(context.Background(), "gpt-4o", "p", "image/png", "aW1n", schema.Nutrition())
	if err != nil {
		t.Fatalf("JSONTextImage() error: %v", err)
	}
	if string(raw) != inner {
		t.Errorf("inner JSON = %s, want %s", raw, inner)
	}
}

func TestJSONTextImageErrors(t *testing.T) {
	tests := []struct {
		name     string
		respond  func(w http.ResponseWriter)
		wantKind llm.ErrorKind
	}{
		{
			name: "http error status",
			respond: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantKind: llm.KindHTTPStatus,
		},
		{
			name: "unparsable envelope",
			respond: func(w http.ResponseWriter) {
				w.Write([]byte("not json"))
			},
			wantKind: llm.KindBadEnvelope,
		},
		{
			name: "no choices",
			respond: func(w http.ResponseWriter) {
				json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
			},
			wantKind: llm.KindBadEnvelope,
		},
		{
			name: "content not a string",
			respond: func(w http.ResponseWriter) {
				json.NewEncoder(w).Encode(chatCompletion(map[string]any{"refusal": true}))
			},
			wantKind: llm.KindBadEnvelope,
		},
		{
			name: "content not JSON",
			respond: func(w http.ResponseWriter) {
				json.NewEncoder(w).Encode(chatCompletion("I cannot identify any food"))
			},
			wantKind: llm.KindBadContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.respond(w)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).JSONTextImage(context.Background(), "gpt-4o", "p", "image/png", "aW1n", schema.Nutrition())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var perr *llm.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("error is not a ProviderError: %v", err)
			}
			if perr.Kind != tt.wantKind {
				t.Errorf("error kind = %v, want %v", perr.Kind, tt.wantKind)
			}
			if perr.Provider != "ChatGPT" {
				t.Errorf("error provider = %q", perr.Provider)
			}
		})
	}
}
