package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keyharvest/domain"
)

func fixedRecorder(buf *bytes.Buffer) *consoleRecorder {
	return &consoleRecorder{out: buf, now: func() time.Time { return time.Date(2024, 5, 12, 9, 8, 7, 0, time.UTC) }}
}

func TestConsoleRecorderTimestamps(t *testing.T) {
	var buf bytes.Buffer
	fixedRecorder(&buf).Logf("Found %d keys", 3)
	if got, want := buf.String(), "[09:08:07] Found 3 keys\n"; got != want {
		t.Fatalf("got=%q want=%q", got, want)
	}
}

func TestWriteExports(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	keys := []domain.ExtractedKey{
		{Key: "AAAAA-1", OrderID: "A1"},
		{Key: "BBBBB-2", OrderID: "A1"},
		{Key: "AAAAA-1", OrderID: "B2"},
	}
	if err := writeExports(dir, keys, true, fixedRecorder(&buf)); err != nil {
		t.Fatal(err)
	}
	for name, want := range map[string]string{
		"all_keys.txt":       "AAAAA-1\nBBBBB-2\nAAAAA-1\n",
		"unique_keys.txt":    "AAAAA-1\nBBBBB-2\n",
		"duplicate_keys.txt": "AAAAA-1\n",
	} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != want {
			t.Fatalf("%s: got=%q want=%q", name, raw, want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "keys.xlsx")); err != nil {
		t.Fatalf("xlsx missing: %v", err)
	}
}

func TestWriteExportsNothingToWrite(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := writeExports(dir, nil, true, fixedRecorder(&buf)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no keys found") {
		t.Fatalf("log=%q", buf.String())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestWriteExportsWithoutDuplicates(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	keys := []domain.ExtractedKey{{Key: "AAAAA-1"}, {Key: "BBBBB-2"}}
	if err := writeExports(dir, keys, false, fixedRecorder(&buf)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "duplicate_keys.txt")); !os.IsNotExist(err) {
		t.Fatalf("duplicate file should not exist: %v", err)
	}
	if !strings.Contains(buf.String(), "No duplicate keys found") {
		t.Fatalf("log=%q", buf.String())
	}
}
