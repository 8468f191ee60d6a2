package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"coursedw/internal/config"
	"coursedw/internal/warehouse"
)

// Relational reads entity snapshots from a source database over
// database/sql. The driver is whatever the binary linked in (pgx stdlib,
// mysql, sqlserver, sqlite); this package never imports a driver itself.
type Relational struct {
	name     string
	audit    int
	entities []string
	db       *sql.DB
	tables   map[string]string
	queries  map[string]string
}

// NewRelational opens the source connection and verifies it with a ping.
func NewRelational(ctx context.Context, name string, audit int, entities []string, rc config.RelationalSource) (*Relational, error) {
	db, err := sql.Open(rc.Driver, rc.DSN)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(name, "", err)
	}
	return &Relational{
		name:     name,
		audit:    audit,
		entities: entities,
		db:       db,
		tables:   rc.Tables,
		queries:  rc.Queries,
	}, nil
}

func (r *Relational) Close() { _ = r.db.Close() }

func (r *Relational) Name() string       { return r.name }
func (r *Relational) SourceIDAudit() int { return r.audit }
func (r *Relational) Entities() []string { return r.entities }

// Fetch runs the snapshot query for one entity and scans natural key plus
// attributes positionally. The default query selects the entity's columns
// from the configured (or same-named) table; config.Queries overrides it
// for entities whose source shape needs joins.
func (r *Relational) Fetch(ctx context.Context, e warehouse.EntitySpec) ([]warehouse.SnapshotRow, error) {
	q := r.queries[e.Name]
	if q == "" {
		q = r.defaultQuery(e)
	}

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, unavailable(r.name, e.Name, err)
	}
	defer rows.Close()

	var out []warehouse.SnapshotRow
	n := len(e.Attributes)
	for rows.Next() {
		vals := make([]any, n+1)
		scan := make([]any, n+1)
		for i := range vals {
			scan[i] = &vals[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, unavailable(r.name, e.Name, err)
		}

		key, err := coerceScanned(vals[0], e.NaturalKey.Type)
		if err != nil {
			return nil, unavailable(r.name, e.Name, fmt.Errorf("%s: %w", e.NaturalKey.Name, err))
		}
		attrs := vals[1:]
		for i, a := range e.Attributes {
			attrs[i], err = coerceScanned(attrs[i], a.Type)
			if err != nil {
				return nil, unavailable(r.name, e.Name, fmt.Errorf("%s: %w", a.Name, err))
			}
		}

		row := warehouse.SnapshotRow{Key: key, Attrs: attrs}
		if err := checkRow(r.name, e, row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(r.name, e.Name, err)
	}
	return out, nil
}

// coerceScanned converts a driver-native value to the portable type the
// entity declares. Drivers disagree on wire shapes: mysql returns DATETIME
// as []byte unless the DSN sets parseTime, sqlite returns TEXT. Left
// uncoerced, change detection would compare those bytes against the
// time.Time the warehouse reads back, re-versioning unchanged rows on
// every batch.
func coerceScanned(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case "bigint", "int", "double", "timestamptz", "date":
		var s string
		switch t := v.(type) {
		case []byte:
			s = string(t)
		case string:
			s = t
		default:
			return v, nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		return coerce(s, typ)
	}
	if b, ok := v.([]byte); ok {
		return string(b), nil
	}
	return v, nil
}

func (r *Relational) defaultQuery(e warehouse.EntitySpec) string {
	table := r.tables[e.Name]
	if table == "" {
		table = e.Name
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(e.ColumnNames(), ", "), table)
}
