package gemini

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
	c.baseURL = srvURL
	return c
}

func generateContentResponse(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": text}}}},
		},
	}
}

func TestJSONTextImage(t *testing.T) {
	inner := `{"products":[{"name":"Rice","grams":180,"carbs":50}]}`

	var gotPath string
	var gotReq geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if key := r.URL.Query().Get("key"); key != "test-key" {
			t.Errorf("key = %q", key)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(generateContentResponse(inner))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	raw, err := c.JSONTextImage(context.Background(), "gemini-2.0-flash", schema.NutritionPrompt, "image/jpeg", "aW1n", schema.Nutrition())
	if err != nil {
		t.Fatalf("JSONTextImage() error: %v", err)
	}
	if string(raw) != inner {
		t.Errorf("inner JSON = %s, want %s", raw, inner)
	}

	if !strings.Contains(gotPath, "/v1beta/models/gemini-2.0-flash:generateContent") {
		t.Errorf("request path = %q", gotPath)
	}
	if gotReq.GenerationConfig.ResponseMimeType != "application/json" {
		t.Errorf("response_mime_type = %q", gotReq.GenerationConfig.ResponseMimeType)
	}
	if gotReq.GenerationConfig.ResponseSchema == nil {
		t.Error("request missing response_schema")
	}
	if len(gotReq.Contents) != 1 || len(gotReq.Contents[0].Parts) != 2 {
		t.Fatalf("contents/parts shape unexpected: %+v", gotReq.Contents)
	}
	if gotReq.Contents[0].Parts[0].Text == "" {
		t.Error("first part missing prompt text")
	}
	inline := gotReq.Contents[0].Parts[1].InlineData
	if inline == nil || inline.MimeType != "image/jpeg" || inline.Data != "aW1n" {
		t.Errorf("inline data = %+v", inline)
	}
}

func TestJSONTextImageFallsBackToV1(t *testing.T) {
	inner := `{"products":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/v1beta/") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(generateContentResponse(inner))
	}))
	defer srv.Close()

	raw, err := newTestClient(srv.URL).JSONTextImage(context.Background(), "gemini-1.5-pro", "p", "image/png", "aW1n", schema.Nutrition())
	if err != nil {
		t.Fatalf("JSONTextImage() error: %v", err)
	}
	if string(raw) != inner {
		t.Errorf("inner JSON = %s, want %s", raw, inner)
	}
}

func TestJSONTextImageFencedContent(t *testing.T) {
	inner := `{"products":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateContentResponse("```json\n" + inner + "\n```"))
	}))
	defer srv.Close()

	raw, err := newTestClient(srv.URL).JSONTextImage(context.Background(), "gemini-2.0-flash", "p", "image/png", "aW1n", schema.Nutrition())
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
			name: "http error status on both endpoints",
			respond: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusServiceUnavailable)
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
			name: "no candidates",
			respond: func(w http.ResponseWriter) {
				json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
			},
			wantKind: llm.KindBadEnvelope,
		},
		{
			name: "text part not JSON",
			respond: func(w http.ResponseWriter) {
				json.NewEncoder(w).Encode(generateContentResponse("no food detected"))
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

			_, err := newTestClient(srv.URL).JSONTextImage(context.Background(), "gemini-2.0-flash", "p", "image/png", "aW1n", schema.Nutrition())
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
			if perr.Provider != "Gemini" {
				t.Errorf("error provider = %q", perr.Provider)
			}
		})
	}
}
