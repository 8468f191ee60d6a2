package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"coursedw/internal/config"
	"coursedw/internal/warehouse"
)

// File reads one entity's snapshot from a delimited text file. The file is
// re-read in full on every batch; it is a snapshot feed, not a change log.
//
// Options:
//
//	has_header        bool   (default true)
//	comma             string (first rune, default ",")
//	trim_space        bool   (default true)
//	lazy_quotes       bool   (default false)
//	header_map        map    file header -> entity column name
//	encoding          string "windows-1251" | "iso-8859-1" | "" (UTF-8)
type File struct {
	name   string
	audit  int
	entity string
	path   string
	opt    config.Options
}

func NewFile(name string, audit int, entity string, fc config.FileSource) *File {
	return &File{name: name, audit: audit, entity: entity, path: fc.Path, opt: fc.Options}
}

func (f *File) Name() string       { return f.name }
func (f *File) SourceIDAudit() int { return f.audit }
func (f *File) Entities() []string { return []string{f.entity} }

func (f *File) Fetch(ctx context.Context, e warehouse.EntitySpec) ([]warehouse.SnapshotRow, error) {
	if e.Name != f.entity {
		return nil, fmt.Errorf("file source %s feeds entity %s, asked for %s", f.name, f.entity, e.Name)
	}

	src, err := os.Open(f.path)
	if err != nil {
		return nil, unavailable(f.name, e.Name, err)
	}
	defer src.Close()

	reader, err := decodeReader(src, f.opt.String("encoding", ""))
	if err != nil {
		return nil, unavailable(f.name, e.Name, err)
	}

	cr := csv.NewReader(reader)
	cr.Comma = f.opt.Rune("comma", ',')
	cr.LazyQuotes = f.opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = -1

	trim := f.opt.Bool("trim_space", true)
	hasHeader := f.opt.Bool("has_header", true)
	headerMap := f.opt.StringMap("header_map")

	// Column positions: either from a header row (optionally renamed via
	// header_map), or positional (natural key first, then attributes in
	// spec order).
	pos := positionalIndex(e)
	line := 0

	if hasHeader {
		header, err := cr.Read()
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, unavailable(f.name, e.Name, err)
		}
		line++
		pos, err = headerIndex(f.name, e, header, headerMap, trim)
		if err != nil {
			return nil, err
		}
	}

	var out []warehouse.SnapshotRow
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, unavailable(f.name, e.Name, fmt.Errorf("line %d: %w", line, err))
		}

		row, err := f.buildRow(e, rec, pos, trim, line)
		if err != nil {
			return nil, err
		}
		if err := checkRow(f.name, e, row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *File) buildRow(e warehouse.EntitySpec, rec []string, pos []int, trim bool, line int) (warehouse.SnapshotRow, error) {
	field := func(i int) (string, bool) {
		if i < 0 || i >= len(rec) {
			return "", false
		}
		v := rec[i]
		if trim {
			v = strings.TrimSpace(v)
		}
		return v, true
	}

	var row warehouse.SnapshotRow

	raw, ok := field(pos[0])
	if !ok || raw == "" {
		return row, schemaMissing(f.name, e, e.NaturalKey.Name, line)
	}
	key, err := coerce(raw, e.NaturalKey.Type)
	if err != nil {
		return row, unavailable(f.name, e.Name, fmt.Errorf("line %d: %s: %w", line, e.NaturalKey.Name, err))
	}
	row.Key = key

	row.Attrs = make([]any, len(e.Attributes))
	for i, a := range e.Attributes {
		raw, ok := field(pos[i+1])
		if !ok || raw == "" {
			if !a.Nullable {
				return row, schemaMissing(f.name, e, a.Name, line)
			}
			continue
		}
		v, err := coerce(raw, a.Type)
		if err != nil {
			return row, unavailable(f.name, e.Name, fmt.Errorf("line %d: %s: %w", line, a.Name, err))
		}
		row.Attrs[i] = v
	}
	return row, nil
}

// positionalIndex is the headerless layout: key first, attributes in order.
func positionalIndex(e warehouse.EntitySpec) []int {
	pos := make([]int, len(e.Attributes)+1)
	for i := range pos {
		pos[i] = i
	}
	return pos
}

// headerIndex resolves each spec column to its position in the file header.
// A required column absent from the header is a schema mismatch, reported
// before any row is read.
func headerIndex(feed string, e warehouse.EntitySpec, header []string, rename map[string]string, trim bool) ([]int, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		if trim {
			h = strings.TrimSpace(h)
		}
		if mapped, ok := rename[h]; ok {
			h = mapped
		}
		byName[h] = i
	}

	names := e.ColumnNames()
	pos := make([]int, len(names))
	for i, n := range names {
		idx, ok := byName[n]
		if !ok {
			nullable := i > 0 && e.Attributes[i-1].Nullable
			if nullable {
				pos[i] = -1
				continue
			}
			return nil, schemaHeaderMissing(feed, e, n)
		}
		pos[i] = idx
	}
	return pos, nil
}

// coerce parses a CSV field into the portable type the entity spec declares,
// so field-by-field change detection compares likes with likes regardless of
// which feed produced the value.
func coerce(raw, typ string) (any, error) {
	switch typ {
	case "bigint", "int":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return n, nil
	case "double":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", raw)
		}
		return f, nil
	case "timestamptz", "date":
		return parseTime(raw)
	default:
		return raw, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if layout == time.RFC3339Nano || layout == time.RFC3339 {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", raw)
}

// decodeReader wraps the file in a charset decoder when the feed is not
// UTF-8 (legacy exports of this domain are commonly windows-1251).
func decodeReader(r io.Reader, enc string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "", "utf-8", "utf8":
		return r, nil
	case "windows-1251", "cp1251":
		return transform.NewReader(r, charmap.Windows1251.NewDecoder()), nil
	case "iso-8859-1", "latin1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}
