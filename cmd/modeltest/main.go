// Command modeltest benchmarks vision models on a directory of food photos.
//
// Usage:
//
//	modeltest run   -images DIR -results DIR [-models a,b,...]
//	modeltest truth -results DIR -variant NAME -truth DIR
//	modeltest stats -results DIR -truth DIR -csv FILE
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"

	"github.com/baobabichh/diabetic-diary/config"
	"github.com/baobabichh/diabetic-diary/gemini"
	"github.com/baobabichh/diabetic-diary/modeltest"
	"github.com/baobabichh/diabetic-diary/openai"
	"github.com/baobabichh/diabetic-diary/stubllm"
)

// defaultModels are the provider/model pairs benchmarked when -models is not
// given. The prefix selects the provider, the rest is the model identifier.
var defaultModels = []string{
	"openai:gpt-4o",
	"openai:gpt-4o-mini",
	"openai:gpt-4.1",
	"openai:gpt-4.1-mini",
	"openai:gpt-4.1-nano",
	"gemini:gemini-2.0-flash",
	"gemini:gemini-2.0-flash-lite",
	"gemini:gemini-1.5-pro",
	"gemini:gemini-1.5-flash",
}

func main() {
	log.SetHandler(text.New(os.Stderr))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "truth":
		err = truthCmd(os.Args[2:])
	case "stats":
		err = statsCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: modeltest <run|truth|stats> [flags]")
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	imagesDir := fs.String("images", "./test_images", "directory with benchmark photos")
	resultsDir := fs.String("results", "./model_results", "directory for per-model result files")
	models := fs.String("models", strings.Join(defaultModels, ","), "comma-separated provider:model pairs")
	attempts := fs.Int("attempts", 3, "max attempts per image call")
	backoff := fs.Duration("backoff", 2*time.Second, "initial retry backoff, doubled per attempt")
	budget := fs.Int("failure-budget", 5, "exhausted images allowed per model before it is skipped")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Load()
	variants, err := buildVariants(cfg, strings.Split(*models, ","))
	if err != nil {
		return err
	}

	runner := modeltest.NewRunner(variants, *imagesDir, *resultsDir, modeltest.Options{
		MaxAttempts:   *attempts,
		BaseBackoff:   *backoff,
		FailureBudget: *budget,
		CallTimeout:   cfg.ProviderTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runner.Run(ctx)
}

func truthCmd(args []string) error {
	fs := flag.NewFlagSet("truth", flag.ExitOnError)
	resultsDir := fs.String("results", "./model_results", "directory with per-model result files")
	variant := fs.String("variant", "", "variant whose results seed the truth files")
	truthDir := fs.String("truth", "./truth", "directory for truth files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *variant == "" {
		return fmt.Errorf("-variant is required")
	}
	return modeltest.GenerateTruth(*resultsDir, *variant, *truthDir)
}

func statsCmd(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	resultsDir := fs.String("results", "./model_results", "directory with per-model result files")
	truthDir := fs.String("truth", "./truth", "directory with truth files")
	csvPath := fs.String("csv", "./model_stats.csv", "output CSV path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	stats, err := modeltest.CollectStats(*resultsDir, *truthDir)
	if err != nil {
		return err
	}
	if err := modeltest.WriteCSV(stats, *csvPath); err != nil {
		return err
	}
	for _, vs := range stats {
		log.Infof("model=%s avg_time_ms=%.2f accuracy=%.4f scored=%d", vs.Model, vs.AvgTimeMs, vs.Accuracy, vs.Scored)
	}
	log.Infof("stats written to %s", *csvPath)
	return nil
}

func buildVariants(cfg *config.Config, specs []string) ([]modeltest.Variant, error) {
	var variants []modeltest.Variant
	for _, raw := range specs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		provider, model, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, fmt.Errorf("bad model spec %q (want provider:model)", raw)
		}

		v := modeltest.Variant{Name: sanitizeName(model), Model: model}
		switch provider {
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				return nil, fmt.Errorf("OPENAI_API_KEY is required for %s", raw)
			}
			v.Client = openai.NewClient(cfg.OpenAIAPIKey, cfg.ProviderTimeout)
		case "gemini":
			if cfg.GeminiAPIKey == "" {
				return nil, fmt.Errorf("GEMINI_API_KEY is required for %s", raw)
			}
			v.Client = gemini.NewClient(cfg.GeminiAPIKey, cfg.ProviderTimeout)
		case "stub":
			v.Client = stubllm.NewClient()
		default:
			return nil, fmt.Errorf("unknown provider %q in %q", provider, raw)
		}
		variants = append(variants, v)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("no model variants configured")
	}
	return variants, nil
}

// sanitizeName makes a model identifier safe to use as a directory name.
func sanitizeName(model string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return replacer.Replace(model)
}
