package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coursedw/internal/config"
	"coursedw/internal/etlerr"
	"coursedw/internal/warehouse"
)

func trafficSpec() warehouse.EntitySpec {
	return warehouse.EntitySpec{
		Name:       "user_traffic",
		Table:      "wh_user_traffic",
		NaturalKey: warehouse.Column{Name: "user_id", Type: "bigint"},
		Attributes: []warehouse.Column{
			{Name: "source_id", Type: "bigint"},
			{Name: "referred_at", Type: "timestamptz"},
			{Name: "campaign_code", Type: "text", Nullable: true},
		},
	}
}

func writeFeed(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.csv")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	return path
}

func fetchFile(t *testing.T, path string, opt config.Options) ([]warehouse.SnapshotRow, error) {
	t.Helper()
	f := NewFile("partner_csv", 2, "user_traffic", config.FileSource{Path: path, Options: opt})
	return f.Fetch(context.Background(), trafficSpec())
}

func TestFileFetchWithHeader(t *testing.T) {
	t.Parallel()

	path := writeFeed(t, ""+
		"user_id,source_id,referred_at,campaign_code\n"+
		"1,10,2024-02-28 12:00:00,SPRING24\n"+
		"2,11,2024-03-01,\n")

	rows, err := fetchFile(t, path, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	if rows[0].Key != int64(1) {
		t.Errorf("key = %v (%T), want int64(1)", rows[0].Key, rows[0].Key)
	}
	if rows[0].Attrs[0] != int64(10) {
		t.Errorf("source_id = %v, want int64(10)", rows[0].Attrs[0])
	}
	want := time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC)
	if ts, ok := rows[0].Attrs[1].(time.Time); !ok || !ts.Equal(want) {
		t.Errorf("referred_at = %v, want %v", rows[0].Attrs[1], want)
	}
	if rows[0].Attrs[2] != "SPRING24" {
		t.Errorf("campaign_code = %v, want SPRING24", rows[0].Attrs[2])
	}

	// Empty nullable field stays nil.
	if rows[1].Attrs[2] != nil {
		t.Errorf("empty campaign_code = %v, want nil", rows[1].Attrs[2])
	}
}

func TestFileFetchHeaderMapAndSemicolons(t *testing.T) {
	t.Parallel()

	path := writeFeed(t, ""+
		"client_id;traffic_source;referred;promo\n"+
		"7;10;2024-02-28;WINTER\n")

	rows, err := fetchFile(t, path, config.Options{
		"comma": ";",
		"header_map": map[string]any{
			"client_id":      "user_id",
			"traffic_source": "source_id",
			"referred":       "referred_at",
			"promo":          "campaign_code",
		},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != int64(7) || rows[0].Attrs[2] != "WINTER" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestFileFetchWithoutHeaderIsPositional(t *testing.T) {
	t.Parallel()

	path := writeFeed(t, "5,10,2024-02-28,X\n")

	rows, err := fetchFile(t, path, config.Options{"has_header": false})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != int64(5) {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestFileFetchWindows1251(t *testing.T) {
	t.Parallel()

	// "акция" in windows-1251 bytes.
	campaign := []byte{0xe0, 0xea, 0xf6, 0xe8, 0xff}
	data := append([]byte("user_id,source_id,referred_at,campaign_code\n1,10,2024-02-28,"), campaign...)
	data = append(data, '\n')

	path := filepath.Join(t.TempDir(), "feed.csv")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}

	rows, err := fetchFile(t, path, config.Options{"encoding": "windows-1251"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rows[0].Attrs[2] != "акция" {
		t.Errorf("campaign_code = %q, want акция", rows[0].Attrs[2])
	}
}

func TestFileFetchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		opt  config.Options
		kind etlerr.Kind
	}{
		{
			name: "header_missing_required_column",
			data: "user_id,referred_at\n1,2024-02-28\n",
			kind: etlerr.SchemaMismatch,
		},
		{
			name: "row_missing_natural_key",
			data: "user_id,source_id,referred_at,campaign_code\n,10,2024-02-28,X\n",
			kind: etlerr.SchemaMismatch,
		},
		{
			name: "row_missing_required_attribute",
			data: "user_id,source_id,referred_at,campaign_code\n1,,2024-02-28,X\n",
			kind: etlerr.SchemaMismatch,
		},
		{
			name: "unparseable_integer",
			data: "user_id,source_id,referred_at,campaign_code\n1,ten,2024-02-28,X\n",
			kind: etlerr.SourceUnavailable,
		},
		{
			name: "unparseable_timestamp",
			data: "user_id,source_id,referred_at,campaign_code\n1,10,yesterday,X\n",
			kind: etlerr.SourceUnavailable,
		},
		{
			name: "unsupported_encoding",
			data: "user_id,source_id,referred_at,campaign_code\n",
			opt:  config.Options{"encoding": "koi8-r"},
			kind: etlerr.SourceUnavailable,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeFeed(t, tc.data)
			_, err := fetchFile(t, path, tc.opt)
			if !etlerr.Is(err, tc.kind) {
				t.Fatalf("err = %v, want kind %s", err, tc.kind)
			}
		})
	}
}

func TestFileFetchMissingFileIsUnavailable(t *testing.T) {
	t.Parallel()

	_, err := fetchFile(t, filepath.Join(t.TempDir(), "nope.csv"), nil)
	if !etlerr.Is(err, etlerr.SourceUnavailable) {
		t.Fatalf("err = %v, want source_unavailable", err)
	}
}

func TestFileFetchEmptyFile(t *testing.T) {
	t.Parallel()

	rows, err := fetchFile(t, writeFeed(t, ""), nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d rows from empty file, want 0", len(rows))
	}
}

func TestFileFetchWrongEntity(t *testing.T) {
	t.Parallel()

	f := NewFile("partner_csv", 2, "user_traffic", config.FileSource{Path: "unused"})
	_, err := f.Fetch(context.Background(), warehouse.EntitySpec{Name: "sales"})
	if err == nil {
		t.Fatal("fetching an entity the feed does not carry should fail")
	}
}
