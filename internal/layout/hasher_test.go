package layout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"artifactledger/internal/tabular"
)

func mustCSV(t *testing.T, s string) *tabular.Table {
	t.Helper()
	tbl, err := tabular.ReadCSV(strings.NewReader(s))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	return tbl
}

func TestFileHash_IdenticalBytesSameHash(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	_ = os.WriteFile(a, []byte("x,y\n1,2\n"), 0o644)
	_ = os.WriteFile(b, []byte("x,y\n1,2\n"), 0o644)

	ha, err := FileHash(a)
	if err != nil {
		t.Fatalf("FileHash: %v", err)
	}
	hb, _ := FileHash(b)
	if ha != hb {
		t.Fatalf("identical bytes produced different hashes: %s != %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("expected hex sha256, got %q", ha)
	}
}

func TestFileHash_MissingFile(t *testing.T) {
	if _, err := FileHash(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestContentHash_IgnoresRowAndColumnOrder(t *testing.T) {
	h := NewHasher()
	a := mustCSV(t, "ts,mint,price\n2025-05-01T00:00:00Z,abc,1.50\n2025-05-01T01:00:00Z,def,2\n")
	b := mustCSV(t, "price,ts,mint\r\n2.0,2025-05-01T01:00:00Z,def\r\n1.5,2025-05-01T02:00:00+02:00,abc\r\n")

	if h.ContentHash(a) != h.ContentHash(b) {
		t.Fatalf("semantically identical tables produced different content hashes")
	}
}

func TestContentHash_ValueChangeInvalidatesHash(t *testing.T) {
	h := NewHasher()
	a := mustCSV(t, "mint,price\nabc,1.5\n")
	b := mustCSV(t, "mint,price\nabc,1.6\n")
	if h.ContentHash(a) == h.ContentHash(b) {
		t.Fatalf("value change did not change content hash")
	}
}

func TestContentHash_ColumnRenameInvalidatesHash(t *testing.T) {
	h := NewHasher()
	a := mustCSV(t, "mint,price\nabc,1.5\n")
	b := mustCSV(t, "token,price\nabc,1.5\n")
	if h.ContentHash(a) == h.ContentHash(b) {
		t.Fatalf("column rename did not change content hash")
	}
}

func TestContentHash_DuplicateRowsCount(t *testing.T) {
	h := NewHasher()
	a := mustCSV(t, "x\n1\n")
	b := mustCSV(t, "x\n1\n1\n")
	if h.ContentHash(a) == h.ContentHash(b) {
		t.Fatalf("duplicated row must change content hash")
	}
}

func TestContentHash_CellBoundariesAreUnambiguous(t *testing.T) {
	h := NewHasher()
	a := &tabular.Table{Columns: []string{"a", "b"}, Rows: [][]string{{"ab", "c"}}}
	b := &tabular.Table{Columns: []string{"a", "b"}, Rows: [][]string{{"a", "bc"}}}
	if h.ContentHash(a) == h.ContentHash(b) {
		t.Fatalf("length prefixing failed to separate cells")
	}
}

func TestContentHash_RawNormalizerIsStrict(t *testing.T) {
	h := &Hasher{Normalizer: RawNormalizer{}}
	a := mustCSV(t, "x\n1.5\n")
	b := mustCSV(t, "x\n1.50\n")
	if h.ContentHash(a) == h.ContentHash(b) {
		t.Fatalf("raw normalizer should distinguish 1.5 and 1.50")
	}
}

func TestContentHash_LeadingZeroCodesFoldToIntegers(t *testing.T) {
	a := mustCSV(t, "zip,n\n007,1\n")
	b := mustCSV(t, "zip,n\n7,1\n")
	if NewHasher().ContentHash(a) != NewHasher().ContentHash(b) {
		t.Fatalf("default normalizer should fold 007 and 7")
	}
	raw := &Hasher{Normalizer: RawNormalizer{}}
	if raw.ContentHash(a) == raw.ContentHash(b) {
		t.Fatalf("raw normalizer should keep 007 and 7 apart")
	}
}

func TestDefaultNormalizer_Cells(t *testing.T) {
	n := NewDefaultNormalizer()
	cases := map[string]string{
		" 0042 ":                    "42",
		"007":                       "7",
		"+7":                        "7",
		"-0":                        "0",
		"1.50":                      "1.5",
		"40.0":                      "40",
		"1e3":                       "1000",
		"0.000":                     "0",
		"TRUE":                      "true",
		"2025-05-01T02:00:00+02:00": "2025-05-01T00:00:00Z",
		"2025-05-01 00:00:00Z":      "2025-05-01T00:00:00Z",
		"solana":                    "solana",
		"line1\r\nline2":            "line1\nline2",
	}
	for in, want := range cases {
		if got := n.Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
