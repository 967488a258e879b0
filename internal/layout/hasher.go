// Package layout computes artifact identities and their place in the
// canonical store tree.
//
// Two hashes identify a data file:
//   - the file hash, sha256 over the raw bytes;
//   - the content hash, sha256 over a canonical encoding of the decoded table,
//     so files that differ only in row order, column order, quoting, line
//     endings or number formatting share a content hash.
package layout

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"sort"

	"artifactledger/internal/tabular"
)

// FileHash returns the hex sha256 of the raw bytes at path.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Hasher computes content hashes of decoded tables.
//
// The encoding is:
//  1. column count, then each column name, in sorted order
//  2. row count, then each row in sorted order, every row being its cells
//     (normalized, permuted to the sorted column order)
//
// All components are length-prefixed to prevent ambiguity.
type Hasher struct {
	Normalizer CellNormalizer
}

// NewHasher returns a Hasher using the default cell normalizer.
func NewHasher() *Hasher {
	return &Hasher{Normalizer: NewDefaultNormalizer()}
}

// ContentHash returns the hex sha256 of the canonical encoding of t.
func (h *Hasher) ContentHash(t *tabular.Table) string {
	hasher := sha256.New()
	if t == nil {
		return hex.EncodeToString(hasher.Sum(nil))
	}

	norm := h.Normalizer
	if norm == nil {
		norm = RawNormalizer{}
	}

	order := make([]int, len(t.Columns))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return t.Columns[order[a]] < t.Columns[order[b]]
	})

	writeCount(hasher, len(order))
	for _, idx := range order {
		writeField(hasher, []byte(t.Columns[idx]))
	}

	rows := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		rows[i] = string(encodeRow(norm, row, order))
	}
	sort.Strings(rows)

	writeCount(hasher, len(rows))
	for _, r := range rows {
		writeField(hasher, []byte(r))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func encodeRow(norm CellNormalizer, row []string, order []int) []byte {
	var buf []byte
	for _, idx := range order {
		cell := ""
		if idx < len(row) {
			cell = norm.Normalize(row[idx])
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(cell)))
		buf = append(buf, cell...)
	}
	return buf
}

func writeCount(h hash.Hash, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	h.Write(b[:])
}

// writeField writes an 8-byte big-endian length prefix followed by data.
func writeField(h hash.Hash, data []byte) {
	writeCount(h, len(data))
	h.Write(data)
}

// Hash8 returns the short hash used in canonical file names.
func Hash8(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
