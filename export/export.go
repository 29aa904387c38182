// Package export writes the keys of a run to flat text files and to an XLSX
// results workbook.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"keyharvest/domain"
)

type Kind string

const (
	KindAll        Kind = "all"
	KindUnique     Kind = "unique"
	KindDuplicates Kind = "duplicates"
)

var (
	ErrNoKeys       = errors.New("no keys to export")
	ErrNoDuplicates = errors.New("no duplicate keys found")
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindAll, nil
	case KindAll, KindUnique, KindDuplicates:
		return k, nil
	}
	return "", domain.Invalid("kind", "must be one of all, unique, duplicates")
}

// FileName is the default file name for a text export of kind.
func (k Kind) FileName() string {
	switch k {
	case KindUnique:
		return "unique_keys.txt"
	case KindDuplicates:
		return "duplicate_keys.txt"
	default:
		return "all_keys.txt"
	}
}

// Lines selects the key values of kind from keys.
func Lines(kind Kind, keys []domain.ExtractedKey) ([]string, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	switch kind {
	case KindAll:
		return domain.AllKeys(keys), nil
	case KindUnique:
		return domain.UniqueKeys(keys), nil
	case KindDuplicates:
		dups := domain.DuplicateKeys(keys)
		if len(dups) == 0 {
			return nil, ErrNoDuplicates
		}
		return dups, nil
	}
	return nil, fmt.Errorf("unknown export kind %q", kind)
}

// WriteText writes one key per line to path and returns the number of lines.
func WriteText(path string, kind Kind, keys []domain.ExtractedKey) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("output path is empty")
	}
	lines, err := Lines(kind, keys)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	w := bufio.NewWriter(out)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			_ = out.Close()
			return 0, fmt.Errorf("write export file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("write export file: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close export file: %w", err)
	}
	return len(lines), nil
}
