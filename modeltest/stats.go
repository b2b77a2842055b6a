package modeltest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
)

// VariantStats aggregates one variant's benchmark scores.
type VariantStats struct {
	Model     string
	AvgTimeMs float64
	Accuracy  float64
	Scored    int
}

// Accuracy scores a predicted carb total against the reference value on a
// 0..1 scale. Two zeros agree perfectly; otherwise the relative error
// against the larger value is subtracted from 1 and clamped at zero.
func Accuracy(predicted, truth float64) float64 {
	if predicted == 0 && truth == 0 {
		return 1
	}
	largest := math.Max(math.Abs(predicted), math.Abs(truth))
	score := 1 - math.Abs(predicted-truth)/largest
	if score < 0 {
		return 0
	}
	return score
}

// CollectStats walks every variant subdirectory of resultsDir, scores each
// result file against its truth file and averages accuracy and call time
// per variant. Result files without a matching truth file are skipped.
func CollectStats(resultsDir, truthDir string) ([]VariantStats, error) {
	entries, err := os.ReadDir(resultsDir)
	if err != nil {
		return nil, fmt.Errorf("read results dir %s: %w", resultsDir, err)
	}

	var stats []VariantStats
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		vs, err := collectVariant(filepath.Join(resultsDir, entry.Name()), entry.Name(), truthDir)
		if err != nil {
			return nil, err
		}
		if vs.Scored == 0 {
			log.Warnf("stats no scored results variant=%s", entry.Name())
			continue
		}
		stats = append(stats, vs)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Accuracy > stats[j].Accuracy })
	return stats, nil
}

func collectVariant(dir, name, truthDir string) (VariantStats, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return VariantStats{}, fmt.Errorf("read variant dir %s: %w", dir, err)
	}

	var (
		accuracySum float64
		timeSumMs   float64
		scored      int
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		imageName := strings.TrimSuffix(entry.Name(), ".json")

		truth, err := ReadTruth(truthDir, imageName)
		if err != nil {
			continue
		}

		resultPath := filepath.Join(dir, entry.Name())
		predicted, err := totalCarbsFromFile(resultPath)
		if err != nil {
			log.Warnf("stats skip file=%s err=%v", resultPath, err)
			continue
		}
		timeMs, err := timeSpentFromFile(resultPath)
		if err != nil {
			log.Warnf("stats skip file=%s err=%v", resultPath, err)
			continue
		}

		accuracySum += Accuracy(predicted, truth)
		timeSumMs += timeMs
		scored++
	}

	vs := VariantStats{Model: name, Scored: scored}
	if scored > 0 {
		vs.Accuracy = accuracySum / float64(scored)
		vs.AvgTimeMs = timeSumMs / float64(scored)
	}
	return vs, nil
}

func timeSpentFromFile(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc struct {
		TimeSpent string `json:"time_spent"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, err
	}
	if doc.TimeSpent == "" {
		return 0, nil
	}
	ms, err := strconv.ParseFloat(doc.TimeSpent, 64)
	if err != nil {
		return 0, fmt.Errorf("time_spent in %s is not a number: %w", path, err)
	}
	return ms, nil
}

// WriteCSV writes the aggregated stats to csvPath.
func WriteCSV(stats []VariantStats, csvPath string) error {
	f, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("create csv %s: %w", csvPath, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Model", "AvgTime", "Accuracy"}); err != nil {
		return err
	}
	for _, vs := range stats {
		record := []string{
			vs.Model,
			strconv.FormatFloat(vs.AvgTimeMs, 'f', 2, 64),
			strconv.FormatFloat(vs.Accuracy, 'f', 4, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
