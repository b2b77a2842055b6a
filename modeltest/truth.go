package modeltest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"

	"github.com/baobabichh/diabetic-diary/models"
)

// GenerateTruth seeds reference truth files from one variant's results: for
// every <image>.json under resultsDir/<variantName> it sums the product carbs
// and writes the total to truthDir/<image>.txt. The files are meant to be
// reviewed and corrected by hand afterwards; existing truth files are never
// overwritten.
func GenerateTruth(resultsDir, variantName, truthDir string) error {
	srcDir := filepath.Join(resultsDir, variantName)
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read results dir %s: %w", srcDir, err)
	}
	if err := os.MkdirAll(truthDir, 0o755); err != nil {
		return fmt.Errorf("create truth dir %s: %w", truthDir, err)
	}

	written := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		total, err := totalCarbsFromFile(filepath.Join(srcDir, entry.Name()))
		if err != nil {
			log.Warnf("truth skip file=%s err=%v", entry.Name(), err)
			continue
		}

		truthPath := filepath.Join(truthDir, strings.TrimSuffix(entry.Name(), ".json")+".txt")
		if _, err := os.Stat(truthPath); err == nil {
			continue
		}
		value := strconv.FormatFloat(total, 'f', -1, 64)
		if err := os.WriteFile(truthPath, []byte(value+"\n"), 0o644); err != nil {
			return fmt.Errorf("write truth file %s: %w", truthPath, err)
		}
		written++
	}

	log.Infof("truth generated variant=%s files=%d dir=%s", variantName, written, truthDir)
	return nil
}

func totalCarbsFromFile(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var result models.RecognitionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, err
	}
	return result.TotalCarbs(), nil
}

// ReadTruth loads truthDir/<image>.txt as a float.
func ReadTruth(truthDir, imageName string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(truthDir, imageName+".txt"))
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("truth file for %s is not a number: %w", imageName, err)
	}
	return value, nil
}
