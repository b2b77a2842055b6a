package parser

import (
	"errors"
	"math"
	"testing"

	"github.com/baobabichh/diabetic-diary/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		strict   bool
		wantErr  bool
		expected *models.RecognitionResult
	}{
		{
			name: "integer quantities",
			raw: `{
				"products": [
					{"name": "Apple", "grams": 150, "carbs": 20}
				]
			}`,
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Apple", Grams: 150, Carbs: 20, Ratio: 20.0 / 150.0 * 100},
				},
			},
		},
		{
			name: "float quantities",
			raw: `{
				"products": [
					{"name": "Rice", "grams": 180.5, "carbs": 50.2}
				]
			}`,
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Rice", Grams: 180.5, Carbs: 50.2, Ratio: 50.2 / 180.5 * 100},
				},
			},
		},
		{
			name: "string quantities",
			raw: `{
				"products": [
					{"name": "Bread", "grams": "90", "carbs": "45.5"}
				]
			}`,
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Bread", Grams: 90, Carbs: 45.5, Ratio: 45.5 / 90.0 * 100},
				},
			},
		},
		{
			name: "two products, one with zero quantities",
			raw: `{
				"products": [
					{"name": "Apple", "grams": 150, "carbs": 20},
					{"name": "Rice", "grams": 0, "carbs": 0}
				]
			}`,
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Apple", Grams: 150, Carbs: 20, Ratio: 20.0 / 150.0 * 100},
					{Name: "Rice", Grams: 0, Carbs: 0, Ratio: 0},
				},
			},
		},
		{
			name: "zero grams yields zero ratio",
			raw: `{
				"products": [
					{"name": "Water", "grams": 0, "carbs": 0}
				]
			}`,
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Water", Grams: 0, Carbs: 0, Ratio: 0},
				},
			},
		},
		{
			name: "zero carbs yields zero ratio",
			raw: `{
				"products": [
					{"name": "Chicken", "grams": 200, "carbs": 0}
				]
			}`,
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Chicken", Grams: 200, Carbs: 0, Ratio: 0},
				},
			},
		},
		{
			name:     "empty products list",
			raw:      `{"products": []}`,
			expected: &models.RecognitionResult{Products: []models.Product{}},
		},
		{
			name: "unparsable quantity zero-filled in permissive mode",
			raw: `{
				"products": [
					{"name": "Soup", "grams": "a lot", "carbs": 12}
				]
			}`,
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Soup", Grams: 0, Carbs: 12, Ratio: 0},
				},
			},
		},
		{
			name: "negative quantity zero-filled in permissive mode",
			raw: `{
				"products": [
					{"name": "Pasta", "grams": -50, "carbs": 30}
				]
			}`,
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Pasta", Grams: 0, Carbs: 30, Ratio: 0},
				},
			},
		},
		{
			name: "unparsable quantity fails in strict mode",
			raw: `{
				"products": [
					{"name": "Soup", "grams": "a lot", "carbs": 12}
				]
			}`,
			strict:  true,
			wantErr: true,
		},
		{
			name: "markdown fenced response",
			raw: "```json\n" + `{
				"products": [
					{"name": "Banana", "grams": 120, "carbs": 27}
				]
			}` + "\n```",
			expected: &models.RecognitionResult{
				Products: []models.Product{
					{Name: "Banana", Grams: 120, Carbs: 27, Ratio: 27.0 / 120.0 * 100},
				},
			},
		},
		{
			name: "time_spent string passthrough",
			raw:  `{"products": [], "time_spent": "1234"}`,
			expected: &models.RecognitionResult{
				Products:  []models.Product{},
				TimeSpent: "1234",
			},
		},
		{
			name: "time_spent bare number normalized to string",
			raw:  `{"products": [], "time_spent": 1234}`,
			expected: &models.RecognitionResult{
				Products:  []models.Product{},
				TimeSpent: "1234",
			},
		},
		{
			name:    "not JSON at all",
			raw:     `sorry, I cannot help with that`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Normalize([]byte(tt.raw), tt.strict)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Normalize() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() unexpected error: %v", err)
			}

			if len(result.Products) != len(tt.expected.Products) {
				t.Fatalf("Normalize() products = %d, want %d", len(result.Products), len(tt.expected.Products))
			}
			for i, p := range result.Products {
				want := tt.expected.Products[i]
				if p.Name != want.Name {
					t.Errorf("product %d name = %q, want %q", i, p.Name, want.Name)
				}
				if !almostEqual(p.Grams, want.Grams) {
					t.Errorf("product %d grams = %v, want %v", i, p.Grams, want.Grams)
				}
				if !almostEqual(p.Carbs, want.Carbs) {
					t.Errorf("product %d carbs = %v, want %v", i, p.Carbs, want.Carbs)
				}
				if !almostEqual(p.Ratio, want.Ratio) {
					t.Errorf("product %d ratio = %v, want %v", i, p.Ratio, want.Ratio)
				}
			}
			if result.TimeSpent != tt.expected.TimeSpent {
				t.Errorf("time_spent = %q, want %q", result.TimeSpent, tt.expected.TimeSpent)
			}
		})
	}
}

func TestNormalizeStrictErrorKind(t *testing.T) {
	_, err := Normalize([]byte(`{"products":[{"name":"X","grams":"??","carbs":1}]}`), true)
	if !errors.Is(err, ErrBadQuantity) {
		t.Errorf("expected ErrBadQuantity, got %v", err)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	raw := `{"products":[{"name":"Apple","grams":150,"carbs":20}]}`
	first, err := Normalize([]byte(raw), false)
	if err != nil {
		t.Fatalf("first Normalize() error: %v", err)
	}
	second, err := Normalize([]byte(raw), false)
	if err != nil {
		t.Fatalf("second Normalize() error: %v", err)
	}
	if len(first.Products) != len(second.Products) {
		t.Fatal("repeated normalization disagrees on product count")
	}
	for i := range first.Products {
		if first.Products[i] != second.Products[i] {
			t.Errorf("product %d differs between runs: %+v vs %+v", i, first.Products[i], second.Products[i])
		}
	}
}

func TestRatio(t *testing.T) {
	tests := []struct {
		name     string
		grams    float64
		carbs    float64
		expected float64
	}{
		{"apple", 150, 20, 13.333333333333334},
		{"per hundred grams identity", 100, 42, 42},
		{"zero grams", 0, 10, 0},
		{"zero carbs", 120, 0, 0},
		{"both zero", 0, 0, 0},
		{"grams below epsilon", Epsilon / 2, 10, 0},
		{"carbs below epsilon", 100, Epsilon / 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ratio(tt.grams, tt.carbs); !almostEqual(got, tt.expected) {
				t.Errorf("Ratio(%v, %v) = %v, want %v", tt.grams, tt.carbs, got, tt.expected)
			}
		})
	}
}

func TestExtractJSONFromMarkdown(t *testing.T) {
	tests := []struct {
		name     string
		response string
		expected string
	}{
		{
			name:     "plain JSON",
			response: `{"products": []}`,
			expected: `{"products": []}`,
		},
		{
			name:     "json code block",
			response: "```json\n{\"products\": []}\n```",
			expected: `{"products": []}`,
		},
		{
			name:     "bare code block",
			response: "```\n{\"products\": []}\n```",
			expected: `{"products": []}`,
		},
		{
			name:     "JSON embedded in prose",
			response: "Here is the result: {\"products\": []} hope it helps",
			expected: `{"products": []}`,
		},
		{
			name:     "no JSON at all",
			response: "no structured data here",
			expected: "no structured data here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSONFromMarkdown(tt.response); got != tt.expected {
				t.Errorf("ExtractJSONFromMarkdown() = %q, want %q", got, tt.expected)
			}
		})
	}
}
