package importprompts

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"askloop/promptfeed/internal/feed"
	"askloop/promptfeed/internal/models"
)

// Importer bulk-loads scheduled prompts into the feed from a CSV file with
// columns question,category,hour,minute,recurring.
type Importer struct {
	repo *feed.Repository
}

// NewImporter creates a new prompt importer
func NewImporter(repo *feed.Repository) *Importer {
	return &Importer{repo: repo}
}

// ImportPrompts imports scheduled prompts from a CSV file and persists the
// resulting collection.
func (i *Importer) ImportPrompts(ctx context.Context, csvPath string) error {
	log.Info().Str("csv", csvPath).Msg("Starting prompt import")

	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	if err := i.parseAndImport(f); err != nil {
		return fmt.Errorf("failed to import prompts: %w", err)
	}

	if err := i.repo.Flush(ctx); err != nil {
		return fmt.Errorf("failed to persist imported prompts: %w", err)
	}

	log.Info().Msg("Import completed successfully")
	return nil
}

func (i *Importer) parseAndImport(csvData io.Reader) error {
	reader := csv.NewReader(csvData)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return err
	}
	log.Debug().Strs("header", header).Msg("CSV header read")

	questionIdx := findColumnIndex(header, "question")
	categoryIdx := findColumnIndex(header, "category")
	hourIdx := findColumnIndex(header, "hour")
	minuteIdx := findColumnIndex(header, "minute")
	recurringIdx := findColumnIndex(header, "recurring")

	for col, idx := range map[string]int{
		"question": questionIdx, "hour": hourIdx, "minute": minuteIdx, "recurring": recurringIdx,
	} {
		if idx < 0 {
			return fmt.Errorf("required column '%s' not found in CSV header", col)
		}
	}

	lineCount := 1 // Header was already read
	successCount := 0
	var lineErrors []string

	for {
		lineCount++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Int("line", lineCount).Msg("Error reading CSV line")
			lineErrors = append(lineErrors, fmt.Sprintf("line %d: %v", lineCount, err))
			continue
		}
		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			continue
		}

		p, err := parseLine(record, questionIdx, categoryIdx, hourIdx, minuteIdx, recurringIdx)
		if err != nil {
			log.Warn().Err(err).Int("line", lineCount).Msg("Skipping invalid row")
			lineErrors = append(lineErrors, fmt.Sprintf("line %d: %v", lineCount, err))
			continue
		}

		i.repo.Add(p)
		successCount++
		log.Debug().Str("prompt_id", p.ID.String()).Str("question", p.Question).Msg("Prompt imported")
	}

	log.Info().
		Int("total", lineCount-1).
		Int("success", successCount).
		Int("errors", len(lineErrors)).
		Msg("Import summary")

	fmt.Printf("Imported %d scheduled prompts\n", successCount)
	if len(lineErrors) > 0 {
		fmt.Printf("Encountered %d errors:\n", len(lineErrors))
		for _, e := range lineErrors {
			fmt.Printf("  - %s\n", e)
		}
	}

	return nil
}

func parseLine(record []string, questionIdx, categoryIdx, hourIdx, minuteIdx, recurringIdx int) (models.Prompt, error) {
	question := safeGetValue(record, questionIdx)
	category := models.Category(safeGetValue(record, categoryIdx))

	hour, err := strconv.Atoi(safeGetValue(record, hourIdx))
	if err != nil {
		return models.Prompt{}, fmt.Errorf("invalid hour: %w", err)
	}
	minute, err := strconv.Atoi(safeGetValue(record, minuteIdx))
	if err != nil {
		return models.Prompt{}, fmt.Errorf("invalid minute: %w", err)
	}
	recurring, err := strconv.ParseBool(safeGetValue(record, recurringIdx))
	if err != nil {
		return models.Prompt{}, fmt.Errorf("invalid recurring flag: %w", err)
	}

	return models.NewScheduled(question, category, models.Schedule{
		Hour:      hour,
		Minute:    minute,
		Recurring: recurring,
	})
}

func findColumnIndex(header []string, columnName string) int {
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), columnName) {
			return i
		}
	}
	return -1
}

// safeGetValue returns the trimmed value at index, or "" when out of bounds.
func safeGetValue(record []string, index int) string {
	if index >= 0 && index < len(record) {
		return strings.TrimSpace(record[index])
	}
	return ""
}
