// Package schema holds the structured-output contract sent to AI vision
// providers and validates what they send back.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// NutritionPrompt is the fixed analysis prompt sent with every food photo.
const NutritionPrompt = `You are a nutrition-analysis assistant. Given any input image of foods:

1. Detect every unique food item and its weight in grams.
2. Use surrounding and image depth to determine amount of products.
3. Split products to the smallest parts(for example you should not have a single product with name "Zucchini and cherry tomatoes", it should be two separate products).
4. For each item, retrieve the standard carbohydrate content per 100 g from a reliable nutrition database.
5. Calculate the total carbohydrates for each item.
6. If there is no food on photo return zero products.
7. Output ONLY valid JSON in the following format:

{
"products": [
{
  "name":    "<exact food name>",
  "grams":   <detected weight in grams as an integer>,
  "carbs":   <calculated total carbohydrates rounded to the nearest integer>
}
]
}`

// Nutrition returns the JSON schema instructing the provider's structured
// output mode: {products:[{name,grams,carbs}]}.
func Nutrition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"products": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{
							"type":        "string",
							"description": "Exact food name identified in the image",
						},
						"grams": map[string]any{
							"type":        "integer",
							"description": "Detected weight in grams",
						},
						"carbs": map[string]any{
							"type":        "integer",
							"description": "Calculated total carbohydrates rounded to the nearest integer",
						},
					},
					"required": []string{"name", "grams", "carbs"},
				},
			},
		},
		"required": []string{"products"},
	}
}

// validationSchema is the contract enforced on provider responses. Same
// shape as Nutrition, except grams/carbs accept the numeric encodings
// providers actually emit (integer, float, or numeric string); the
// normalizer coerces them afterwards.
func validationSchema() map[string]any {
	quantity := map[string]any{"type": []string{"integer", "number", "string"}}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"products": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":  map[string]any{"type": "string"},
						"grams": quantity,
						"carbs": quantity,
					},
					"required": []string{"name", "grams", "carbs"},
				},
			},
		},
		"required": []string{"products"},
	}
}

// ValidateResponse checks that a provider's inner JSON satisfies the
// nutrition contract.
func ValidateResponse(data []byte) error {
	return validateAgainst(validationSchema(), data)
}

func validateAgainst(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("nutrition.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("nutrition.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
