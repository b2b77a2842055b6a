// Package modeltest benchmarks vision models against a directory of food
// photos. Each provider/model variant is run over every image, the raw
// nutrition answers are normalized and written to per-model result files,
// and accuracy is scored against reference truth files.
package modeltest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"

	"github.com/baobabichh/diabetic-diary/llm"
	"github.com/baobabichh/diabetic-diary/models"
	"github.com/baobabichh/diabetic-diary/parser"
	"github.com/baobabichh/diabetic-diary/schema"
)

// Variant is one provider/model combination under test. Name doubles as the
// per-model results subdirectory, so it must be filesystem-safe.
type Variant struct {
	Name   string
	Client llm.Client
	Model  string
}

// Options tunes a benchmark run.
type Options struct {
	// MaxAttempts bounds how often a single image call is retried.
	MaxAttempts int
	// BaseBackoff is doubled after each failed attempt.
	BaseBackoff time.Duration
	// FailureBudget stops a variant after this many exhausted images, so one
	// dead model does not burn the whole run's quota.
	FailureBudget int
	// CallTimeout bounds a single provider call.
	CallTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.FailureBudget <= 0 {
		o.FailureBudget = 5
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 120 * time.Second
	}
	return o
}

// Runner executes benchmark runs.
type Runner struct {
	variants   []Variant
	imagesDir  string
	resultsDir string
	opts       Options
}

// NewRunner creates a benchmark runner.
func NewRunner(variants []Variant, imagesDir, resultsDir string, opts Options) *Runner {
	return &Runner{
		variants:   variants,
		imagesDir:  imagesDir,
		resultsDir: resultsDir,
		opts:       opts.withDefaults(),
	}
}

// ListImages returns the image files in dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read images dir %s: %w", dir, err)
	}

	var images []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png", ".webp", ".gif":
			images = append(images, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(images)
	return images, nil
}

// Run benchmarks every variant over every image in the images directory.
// Variants run concurrently; images within a variant run sequentially so
// per-call timing stays meaningful.
func (r *Runner) Run(ctx context.Context) error {
	images, err := ListImages(r.imagesDir)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("no images found in %s", r.imagesDir)
	}

	log.Infof("modeltest run variants=%d images=%d results_dir=%s", len(r.variants), len(images), r.resultsDir)

	var wg sync.WaitGroup
	for _, variant := range r.variants {
		wg.Add(1)
		go func(v Variant) {
			defer wg.Done()
			r.runVariant(ctx, v, images)
		}(variant)
	}
	wg.Wait()
	return nil
}

func (r *Runner) runVariant(ctx context.Context, v Variant, images []string) {
	outDir := filepath.Join(r.resultsDir, v.Name)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Errorf("modeltest mkdir failed variant=%s dir=%s err=%v", v.Name, outDir, err)
		return
	}

	failures := 0
	for _, imagePath := range images {
		if ctx.Err() != nil {
			return
		}
		if failures >= r.opts.FailureBudget {
			log.Warnf("modeltest failure budget spent variant=%s failures=%d; skipping remaining images", v.Name, failures)
			return
		}

		outPath := filepath.Join(outDir, imageBaseName(imagePath)+".json")
		if _, err := os.Stat(outPath); err == nil {
			// Already benchmarked in a previous run.
			continue
		}

		result, err := r.benchmarkImage(ctx, v, imagePath)
		if err != nil {
			failures++
			log.Errorf("modeltest image failed variant=%s image=%s err=%v", v.Name, imagePath, err)
			continue
		}

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			failures++
			continue
		}
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			failures++
			log.Errorf("modeltest write result failed variant=%s path=%s err=%v", v.Name, outPath, err)
		}
	}
}

// benchmarkImage calls the variant's model with bounded retries and
// exponential backoff, returning the normalized nutrition result with
// TimeSpent set to the successful call's duration in milliseconds.
func (r *Runner) benchmarkImage(ctx context.Context, v Variant, imagePath string) (*models.RecognitionResult, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	mime := mimetype.Detect(imageData).String()
	encoded := base64.StdEncoding.EncodeToString(imageData)

	backoff := r.opts.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := r.callOnce(ctx, v, mime, encoded)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Warnf("modeltest attempt failed variant=%s image=%s attempt=%d err=%v", v.Name, imagePath, attempt, err)
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", r.opts.MaxAttempts, lastErr)
}

func (r *Runner) callOnce(ctx context.Context, v Variant, mimeType, encoded string) (*models.RecognitionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	startedAt := time.Now()
	raw, err := v.Client.JSONTextImage(callCtx, v.Model, schema.NutritionPrompt, mimeType, encoded, schema.Nutrition())
	elapsed := time.Since(startedAt)
	if err != nil {
		return nil, err
	}

	if err := schema.ValidateResponse(raw); err != nil {
		return nil, fmt.Errorf("response failed validation: %w", err)
	}

	normalized, err := parser.Normalize(raw, false)
	if err != nil {
		return nil, err
	}
	normalized.TimeSpent = strconv.FormatInt(elapsed.Milliseconds(), 10)
	return normalized, nil
}

func imageBaseName(imagePath string) string {
	base := filepath.Base(imagePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
