package rabbitmq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/streadway/amqp"

	"github.com/baobabichh/diabetic-diary/models"
)

func TestPermanentClassification(t *testing.T) {
	base := errors.New("row not found")

	if !IsPermanent(Permanent(base)) {
		t.Error("Permanent() result not classified as permanent")
	}
	if IsPermanent(base) {
		t.Error("plain error classified as permanent")
	}
	if IsPermanent(nil) {
		t.Error("nil classified as permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	wrapped := fmt.Errorf("processing failed: %w", Permanent(base))
	if !IsPermanent(wrapped) {
		t.Error("wrapped permanent error not classified as permanent")
	}
	if !errors.Is(wrapped, base) {
		t.Error("base error lost through Permanent wrapping")
	}
}

func TestRetryCountFromHeaders(t *testing.T) {
	tests := []struct {
		name     string
		headers  amqp.Table
		expected int
	}{
		{"nil headers", nil, 0},
		{"missing key", amqp.Table{"other": 3}, 0},
		{"int value", amqp.Table{retryCountHeaderKey: 2}, 2},
		{"int32 value", amqp.Table{retryCountHeaderKey: int32(4)}, 4},
		{"int64 value", amqp.Table{retryCountHeaderKey: int64(5)}, 5},
		{"string value", amqp.Table{retryCountHeaderKey: "3"}, 3},
		{"negative value", amqp.Table{retryCountHeaderKey: int32(-1)}, 0},
		{"garbage string", amqp.Table{retryCountHeaderKey: "many"}, 0},
		{"unexpected type", amqp.Table{retryCountHeaderKey: 1.5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryCountFromHeaders(tt.headers); got != tt.expected {
				t.Errorf("retryCountFromHeaders() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestWithRetryCountHeader(t *testing.T) {
	original := amqp.Table{"trace-id": "abc", retryCountHeaderKey: int32(1)}
	updated := withRetryCountHeader(original, 2)

	if got := retryCountFromHeaders(updated); got != 2 {
		t.Errorf("updated retry count = %d, want 2", got)
	}
	if updated["trace-id"] != "abc" {
		t.Error("unrelated headers not carried over")
	}
	// The original table must stay untouched; republishing reuses it.
	if got := retryCountFromHeaders(original); got != 1 {
		t.Errorf("original retry count mutated to %d", got)
	}
}

func TestMessageUnmarshalTo(t *testing.T) {
	msg := &Message{Body: []byte(`{"FoodRecognitionID":"17"}`)}

	var job models.RecognitionJob
	if err := msg.UnmarshalTo(&job); err != nil {
		t.Fatalf("UnmarshalTo() error: %v", err)
	}
	if job.FoodRecognitionID != "17" {
		t.Errorf("FoodRecognitionID = %q, want 17", job.FoodRecognitionID)
	}

	msg.Body = []byte("not json")
	if err := msg.UnmarshalTo(&job); err == nil {
		t.Error("UnmarshalTo() expected error for malformed body")
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.Workers != 1 {
		t.Errorf("default workers = %d, want 1", opts.Workers)
	}
	if opts.RetryExchangePrefix == "" {
		t.Error("default retry exchange prefix is empty")
	}

	custom := Options{Workers: 8, MaxRetries: 3, RetryExchangePrefix: "xyz."}.withDefaults()
	if custom.Workers != 8 || custom.MaxRetries != 3 || custom.RetryExchangePrefix != "xyz." {
		t.Errorf("custom options altered: %+v", custom)
	}
}
