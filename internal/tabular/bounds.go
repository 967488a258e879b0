package tabular

import (
	"strconv"
	"strings"
	"time"
)

// DefaultTimestampColumns are probed, in order, when no explicit timestamp
// column is configured for an artifact.
var DefaultTimestampColumns = []string{"ts", "timestamp", "time", "datetime", "created_at", "open_time"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses the timestamp encodings producers emit: RFC3339 variants,
// SQL style datetimes, dates, and unix seconds or milliseconds.
func ParseTime(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		switch {
		case len(s) >= 16:
			return time.UnixMicro(n).UTC(), true
		case len(s) >= 13:
			return time.UnixMilli(n).UTC(), true
		case len(s) >= 9:
			return time.Unix(n, 0).UTC(), true
		default:
			return time.Time{}, false
		}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// TimeBounds returns the min and max timestamp in column. When column is empty
// the first of DefaultTimestampColumns present in the table is used. Cells that
// do not parse are ignored; nil bounds mean no timestamps were found.
func TimeBounds(t *Table, column string) (minTs, maxTs *time.Time) {
	if t == nil {
		return nil, nil
	}
	idx := -1
	if column != "" {
		idx = t.ColumnIndex(column)
	} else {
		for _, c := range DefaultTimestampColumns {
			if idx = t.ColumnIndex(c); idx >= 0 {
				break
			}
		}
	}
	if idx < 0 {
		return nil, nil
	}
	for _, row := range t.Rows {
		if idx >= len(row) {
			continue
		}
		ts, ok := ParseTime(row[idx])
		if !ok {
			continue
		}
		if minTs == nil || ts.Before(*minTs) {
			v := ts
			minTs = &v
		}
		if maxTs == nil || ts.After(*maxTs) {
			v := ts
			maxTs = &v
		}
	}
	return minTs, maxTs
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
