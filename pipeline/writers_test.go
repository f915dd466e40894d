package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bookscraper/models"
)

func sampleBook() *models.Book {
	return &models.Book{
		Title:         "Test Book",
		Price:         "10.00",
		Availability:  "In stock",
		RatingText:    "Two",
		URL:           "http://example.test/book/1",
		RatingNumeric: 2,
		ImageURL:      "http://example.test/img.png",
		ScrapedAt:     time.Date(2026, 8, 23, 13, 9, 13, 0, time.UTC),
	}
}

func TestCSVWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "books.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}

	if err := writer.Write([]*models.Book{sampleBook()}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}

	wantHeader := []string{"title", "price", "availability", "rating", "url"}
	for i, name := range wantHeader {
		if records[0][i] != name {
			t.Fatalf("header[%d] = %q, want %q (full header %v)", i, records[0][i], name, records[0])
		}
	}
	if records[1][0] != "Test Book" || records[1][3] != "Two" {
		t.Fatalf("unexpected data row: %v", records[1])
	}
}

func TestCSVWriterQuotesDelimiters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "books.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}

	book := sampleBook()
	book.Title = "One, Two, Three"
	book.Availability = "In stock (22 available)"

	if err := writer.Write([]*models.Book{book}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[1][0] != "One, Two, Three" {
		t.Fatalf("comma field round-trip = %q, want %q", records[1][0], "One, Two, Three")
	}
}

func TestCSVWriterOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "books.csv")

	if err := os.WriteFile(path, []byte("stale content\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(data) == "stale content\n" {
		t.Fatalf("existing file was not overwritten")
	}
}

func TestCSVWriterValidateRequiresRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "books.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	defer writer.Close()

	// The header alone does not count as output.
	if err := writer.Validate(); err == nil {
		t.Fatalf("expected validation error for header-only file")
	}

	if err := writer.Write([]*models.Book{sampleBook()}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate after write: %v", err)
	}
}

func TestCSVWriterUnwritablePath(t *testing.T) {
	if _, err := NewCSVWriter(string([]byte{0})); err == nil {
		t.Fatalf("expected error for unwritable path")
	}
}

func TestJSONWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "books.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}

	if err := writer.Write([]*models.Book{sampleBook()}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var decoded models.Book
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if count != 1 {
		t.Fatalf("json lines=%d, want 1", count)
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "books.csv")
	jsonPath := filepath.Join(dir, "books.jsonl")

	writer, err := NewDualWriter(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}

	if err := writer.Write([]*models.Book{sampleBook()}); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(jsonPath); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}

func TestEnsureDirCreatesParents(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "books.csv")

	writer, err := NewCSVWriter(nested)
	if err != nil {
		t.Fatalf("create csv writer in nested dir: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	if _, err := os.Stat(nested); err != nil {
		t.Fatalf("nested output missing: %v", err)
	}
}
