package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"market-intel/models"
)

// CSVWriter appends raw (unnormalized) records to a CSV file for audit and
// mapping work. It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter creates a timestamped CSV file under dir and writes the
// header row. Intermediate directories are created automatically.
func NewCSVWriter(dir string, now time.Time) (*CSVWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	path := filepath.Join(dir, "raw_listings_"+now.UTC().Format("20060102T150405Z")+".csv")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)

	if err := w.Write([]string{
		"organization_id", "platform", "page", "scraped_at", "fields",
	}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &CSVWriter{file: f, writer: w}, nil
}

// Path is the file being written.
func (c *CSVWriter) Path() string {
	return c.file.Name()
}

// WriteRaw writes one row per raw record; fields are stored as JSON.
func (c *CSVWriter) WriteRaw(organizationID string, listings []models.RawListing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range listings {
		fields, err := json.Marshal(l.Fields)
		if err != nil {
			return fmt.Errorf("csv: encode fields: %w", err)
		}
		row := []string{
			organizationID,
			l.Platform,
			fmt.Sprint(l.Page),
			l.ScrapedAt.UTC().Format(time.RFC3339),
			string(fields),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
