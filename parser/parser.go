// Package parser normalizes structured provider output into the canonical
// recognition result persisted for a request.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/baobabichh/diabetic-diary/models"
)

// Epsilon guards the ratio division; grams or carbs at or below it are
// treated as zero.
const Epsilon = 1e-4

// ErrBadQuantity reports an unparsable grams/carbs field in strict mode.
var ErrBadQuantity = errors.New("unparsable numeric field")

type rawProduct struct {
	Name  string          `json:"name"`
	Grams json.RawMessage `json:"grams"`
	Carbs json.RawMessage `json:"carbs"`
}

type rawResult struct {
	Products  []rawProduct    `json:"products"`
	TimeSpent json.RawMessage `json:"time_spent"`
}

// ExtractJSONFromMarkdown extracts JSON from markdown code blocks. Providers
// occasionally wrap their output in ``` fences despite JSON-mode.
func ExtractJSONFromMarkdown(response string) string {
	startMarker := "```"
	endMarker := "```"

	startIdx := strings.Index(response, startMarker)
	if startIdx == -1 {
		// No code block found, try to find JSON object directly
		startIdx = strings.Index(response, "{")
		if startIdx == -1 {
			return response
		}
		endIdx := strings.LastIndex(response, "}")
		if endIdx == -1 {
			return response
		}
		return strings.TrimSpace(response[startIdx : endIdx+1])
	}

	endIdx := strings.Index(response[startIdx+len(startMarker):], endMarker)
	if endIdx == -1 {
		return response
	}
	endIdx += startIdx + len(startMarker)

	content := response[startIdx+len(startMarker) : endIdx]

	// Remove the language identifier if present (e.g., "json")
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 && (strings.TrimSpace(lines[0]) == "json" || strings.TrimSpace(lines[0]) == "") {
		content = strings.Join(lines[1:], "\n")
	}

	return strings.TrimSpace(content)
}

// Normalize coerces the provider's structured output into a canonical
// RecognitionResult. grams and carbs tolerate three encodings: native
// number, numeric string, or float where an integer was expected. In
// permissive mode (strict=false) unparsable fields are zero-valued; in
// strict mode they fail the whole result.
func Normalize(raw []byte, strict bool) (*models.RecognitionResult, error) {
	cleaned := ExtractJSONFromMarkdown(strings.TrimSpace(string(raw)))

	var parsed rawResult
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse provider JSON: %w", err)
	}

	result := &models.RecognitionResult{
		Products: make([]models.Product, 0, len(parsed.Products)),
	}

	for i, rp := range parsed.Products {
		grams, gramsOK := coerceNumber(rp.Grams)
		carbs, carbsOK := coerceNumber(rp.Carbs)
		if strict && (!gramsOK || !carbsOK) {
			return nil, fmt.Errorf("product %d (%s): %w", i, rp.Name, ErrBadQuantity)
		}

		result.Products = append(result.Products, models.Product{
			Name:  rp.Name,
			Grams: grams,
			Carbs: carbs,
			Ratio: Ratio(grams, carbs),
		})
	}

	if len(parsed.TimeSpent) > 0 {
		result.TimeSpent = timeSpentString(parsed.TimeSpent)
	}

	return result, nil
}

// Ratio computes carbs per 100 g. Zero or near-zero inputs yield 0 so the
// derivation never divides by zero.
func Ratio(grams, carbs float64) float64 {
	if grams <= Epsilon || carbs <= Epsilon {
		return 0
	}
	return carbs / grams * 100
}

// coerceNumber reads a JSON value as float64, accepting numbers and numeric
// strings. Negative values are treated as unparsable since weights and
// carbohydrate totals cannot be negative.
func coerceNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f < 0 {
			return 0, false
		}
		return f, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || f < 0 {
			return 0, false
		}
		return f, true
	}

	return 0, false
}

// timeSpentString passes the elapsed-time annotation through untouched,
// normalizing bare numbers to their string form.
func timeSpentString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
