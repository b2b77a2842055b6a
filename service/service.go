package service

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"

	"github.com/baobabichh/diabetic-diary/llm"
	"github.com/baobabichh/diabetic-diary/metrics"
	"github.com/baobabichh/diabetic-diary/models"
	"github.com/baobabichh/diabetic-diary/parser"
	"github.com/baobabichh/diabetic-diary/rabbitmq"
	"github.com/baobabichh/diabetic-diary/schema"
)

// Store is the slice of persistence the recognizer needs.
// *database.Database satisfies it.
type Store interface {
	GetImagePath(id uint64) (string, error)
	MarkProcessing(id uint64) error
	MarkDone(id uint64, resultJSON string) error
	MarkError(id uint64) error
}

// Service consumes recognition jobs: it loads the stored photo, asks the
// vision provider for a nutrition breakdown, normalizes the answer and
// persists the final result.
type Service struct {
	store      Store
	client     llm.Client
	model      string
	timeout    time.Duration
	strict     bool
	maxRetries int
}

// Options tunes a Service.
type Options struct {
	// Model is the provider model identifier passed on every call.
	Model string
	// Timeout bounds a single provider call.
	Timeout time.Duration
	// Strict rejects unparsable product quantities instead of coercing to zero.
	Strict bool
	// MaxRetries mirrors the subscriber's broker-level retry budget so the
	// final failed attempt is recorded before the message is dropped.
	MaxRetries int
}

// New creates a recognition service.
func New(store Store, client llm.Client, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Service{
		store:      store,
		client:     client,
		model:      opts.Model,
		timeout:    opts.Timeout,
		strict:     opts.Strict,
		maxRetries: opts.MaxRetries,
	}
}

// permanent records the terminal Error status and marks the message
// non-retriable. Redelivering cannot fix these failures.
func (s *Service) permanent(id uint64, err error) error {
	if id != 0 {
		if markErr := s.store.MarkError(id); markErr != nil {
			log.Errorf("recognition mark_error failed id=%d err=%v", id, markErr)
		}
	}
	return rabbitmq.Permanent(err)
}

// transient returns err for broker-level retry. When the retry budget is
// already spent this is the last attempt the row will ever see, so the
// Error status is written before the subscriber drops the message.
func (s *Service) transient(id uint64, attempt int, err error) error {
	if attempt >= s.maxRetries {
		if markErr := s.store.MarkError(id); markErr != nil {
			log.Errorf("recognition mark_error failed id=%d err=%v", id, markErr)
		}
	}
	return err
}

// ProcessRecognition handles a single queued recognition job. The message is
// acknowledged by the subscriber only after this returns nil, which happens
// only after the Done status and result row are persisted.
func (s *Service) ProcessRecognition(msg *rabbitmq.Message) error {
	var job models.RecognitionJob
	if err := msg.UnmarshalTo(&job); err != nil {
		return rabbitmq.Permanent(fmt.Errorf("malformed job body: %w", err))
	}
	if job.FoodRecognitionID == "" {
		return rabbitmq.Permanent(errors.New("job missing FoodRecognitionID"))
	}

	id, err := strconv.ParseUint(job.FoodRecognitionID, 10, 64)
	if err != nil || id == 0 {
		return rabbitmq.Permanent(fmt.Errorf("invalid FoodRecognitionID %q", job.FoodRecognitionID))
	}

	log.Infof("recognition start id=%d attempt=%d provider=%s model=%s", id, msg.Attempt, s.client.SourceName(), s.model)

	path, err := s.store.GetImagePath(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.permanent(id, fmt.Errorf("recognition %d not found", id))
		}
		return s.transient(id, msg.Attempt, fmt.Errorf("load image path for %d: %w", id, err))
	}
	if path == "" {
		return s.permanent(id, fmt.Errorf("recognition %d has no photo", id))
	}

	imageData, err := os.ReadFile(path)
	if err != nil {
		return s.permanent(id, fmt.Errorf("read photo %s: %w", path, err))
	}
	if len(imageData) == 0 {
		return s.permanent(id, fmt.Errorf("photo %s is empty", path))
	}

	mime := mimetype.Detect(imageData).String()
	encoded := base64.StdEncoding.EncodeToString(imageData)

	if err := s.store.MarkProcessing(id); err != nil {
		return s.transient(id, msg.Attempt, fmt.Errorf("mark processing %d: %w", id, err))
	}

	startedAt := time.Now()
	raw, err := s.callProvider(mime, encoded)
	if err != nil {
		return s.transient(id, msg.Attempt, fmt.Errorf("provider call for %d: %w", id, err))
	}

	if err := schema.ValidateResponse(raw); err != nil {
		return s.transient(id, msg.Attempt, fmt.Errorf("provider response for %d failed validation: %w", id, err))
	}

	result, err := parser.Normalize(raw, s.strict)
	if err != nil {
		return s.transient(id, msg.Attempt, fmt.Errorf("normalize response for %d: %w", id, err))
	}
	result.TimeSpent = strconv.FormatInt(time.Since(startedAt).Milliseconds(), 10)

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return s.transient(id, msg.Attempt, fmt.Errorf("marshal result for %d: %w", id, err))
	}

	if err := s.store.MarkDone(id, string(resultJSON)); err != nil {
		return s.transient(id, msg.Attempt, fmt.Errorf("persist result for %d: %w", id, err))
	}

	log.Infof("recognition done id=%d products=%d total_carbs=%.2f duration_ms=%d",
		id, len(result.Products), result.TotalCarbs(), time.Since(startedAt).Milliseconds())
	return nil
}

func (s *Service) callProvider(mimeType, base64Image string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	provider := s.client.SourceName()
	startedAt := time.Now()
	raw, err := s.client.JSONTextImage(ctx, s.model, schema.NutritionPrompt, mimeType, base64Image, schema.Nutrition())
	metrics.ProviderCallDurationSeconds.WithLabelValues(provider, s.model).Observe(time.Since(startedAt).Seconds())
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(provider, s.model, "error").Inc()
		return nil, err
	}
	metrics.ProviderCallsTotal.WithLabelValues(provider, s.model, "success").Inc()
	return raw, nil
}
