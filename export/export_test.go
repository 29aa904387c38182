package export

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"keyharvest/domain"
)

func sampleKeys() []domain.ExtractedKey {
	return []domain.ExtractedKey{
		{Key: "KEY-AAA", OrderID: "O1", Date: "1 May"},
		{Key: "KEY-BBB", OrderID: "O2", Date: "2 May"},
		{Key: "KEY-AAA", OrderID: "O3", Date: "3 May"},
		{Key: "KEY-CCC", OrderID: "O4", Date: "4 May"},
		{Key: "KEY-AAA", OrderID: "O5", Date: "5 May"},
		{Key: "KEY-CCC", OrderID: "O6", Date: "6 May"},
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestWriteTextKinds(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		kind Kind
		n    int
		want string
	}{
		{KindAll, 6, "KEY-AAA\nKEY-BBB\nKEY-AAA\nKEY-CCC\nKEY-AAA\nKEY-CCC\n"},
		{KindUnique, 3, "KEY-AAA\nKEY-BBB\nKEY-CCC\n"},
		{KindDuplicates, 2, "KEY-AAA\nKEY-CCC\n"},
	}
	for _, tc := range cases {
		path := filepath.Join(dir, tc.kind.FileName())
		n, err := WriteText(path, tc.kind, sampleKeys())
		if err != nil {
			t.Fatalf("%s: %v", tc.kind, err)
		}
		if n != tc.n {
			t.Fatalf("%s: n=%d want=%d", tc.kind, n, tc.n)
		}
		if got := readFile(t, path); got != tc.want {
			t.Fatalf("%s: got=%q want=%q", tc.kind, got, tc.want)
		}
	}
}

func TestWriteTextEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all.txt")
	if _, err := WriteText(path, KindAll, nil); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("err=%v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file written for empty export")
	}
	keys := []domain.ExtractedKey{{Key: "ONLY-ONE"}, {Key: "ANOTHER"}}
	if _, err := WriteText(path, KindDuplicates, keys); !errors.Is(err, ErrNoDuplicates) {
		t.Fatalf("err=%v", err)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": KindAll, "ALL": KindAll, " unique ": KindUnique, "duplicates": KindDuplicates} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%q,%v", in, got, err)
		}
	}
	if _, err := ParseKind("everything"); !domain.IsValidation(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestWriteXLSXSheetsAndRedStyle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "keys.xlsx")
	if err := WriteXLSX(out, sampleKeys()); err != nil {
		t.Fatalf("WriteXLSX err=%v", err)
	}
	of, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = of.Close() }()

	sheets := of.GetSheetList()
	if len(sheets) != 3 || sheets[0] != sheetAll || sheets[1] != sheetUnique || sheets[2] != sheetDuplicates {
		t.Fatalf("unexpected sheets: %v", sheets)
	}

	rows, err := of.GetRows(sheetAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 7 {
		t.Fatalf("all sheet rows=%d", len(rows))
	}
	if rows[0][1] != "Key" || rows[2][0] != "2" || rows[2][1] != "KEY-BBB" || rows[2][2] != "O2" || rows[2][3] != "2 May" {
		t.Fatalf("unexpected rows: %v", rows[:3])
	}

	// KEY-AAA repeats, KEY-BBB does not.
	dupStyle, _ := of.GetCellStyle(sheetAll, "B2")
	plainStyle, _ := of.GetCellStyle(sheetAll, "B3")
	if dupStyle == 0 || dupStyle == plainStyle {
		t.Fatalf("expected highlighted duplicate row, got styles %d/%d", dupStyle, plainStyle)
	}

	unique, _ := of.GetRows(sheetUnique)
	if len(unique) != 4 || unique[3][1] != "KEY-CCC" {
		t.Fatalf("unique rows: %v", unique)
	}
	dups, _ := of.GetRows(sheetDuplicates)
	if len(dups) != 3 || dups[1][1] != "KEY-AAA" || dups[1][2] != "3" || dups[2][2] != "2" {
		t.Fatalf("duplicate rows: %v", dups)
	}
}

func TestWriteXLSXNoDuplicates(t *testing.T) {
	out := filepath.Join(t.TempDir(), "keys.xlsx")
	if err := WriteXLSX(out, []domain.ExtractedKey{{Key: "K-1", OrderID: "A"}}); err != nil {
		t.Fatal(err)
	}
	of, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = of.Close() }()
	v, _ := of.GetCellValue(sheetDuplicates, "A1")
	if v != "No duplicates" {
		t.Fatalf("A1=%q", v)
	}
}

func TestWriteXLSXEmpty(t *testing.T) {
	if err := WriteXLSX(filepath.Join(t.TempDir(), "k.xlsx"), nil); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("err=%v", err)
	}
}
