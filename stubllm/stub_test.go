package stubllm

import (
	"context"
	"testing"

	"github.com/baobabichh/diabetic-diary/parser"
	"github.com/baobabichh/diabetic-diary/schema"
)

func TestStubOutputIsDeterministicAndValid(t *testing.T) {
	c := NewClient()

	first, err := c.JSONTextImage(context.Background(), "stub", "prompt", "image/jpeg", "aW1n", nil)
	if err != nil {
		t.Fatalf("JSONTextImage() error: %v", err)
	}
	second, err := c.JSONTextImage(context.Background(), "stub", "prompt", "image/jpeg", "aW1n", nil)
	if err != nil {
		t.Fatalf("JSONTextImage() error: %v", err)
	}
	if string(first) != string(second) {
		t.Error("same input produced different output")
	}

	other, err := c.JSONTextImage(context.Background(), "stub", "prompt", "image/jpeg", "b3RoZXI=", nil)
	if err != nil {
		t.Fatalf("JSONTextImage() error: %v", err)
	}
	if string(first) == string(other) {
		t.Error("different images produced identical output")
	}

	if err := schema.ValidateResponse(first); err != nil {
		t.Errorf("stub output fails validation: %v", err)
	}
	result, err := parser.Normalize(first, true)
	if err != nil {
		t.Fatalf("stub output fails strict normalization: %v", err)
	}
	if len(result.Products) != 1 {
		t.Errorf("stub products = %d, want 1", len(result.Products))
	}
	if result.Products[0].Ratio <= 0 {
		t.Errorf("stub ratio = %v, want > 0", result.Products[0].Ratio)
	}
}
