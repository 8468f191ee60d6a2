// Package source implements the snapshot readers. Each feed is a Source:
// the merge engine depends only on this capability, so adding a new feed
// kind never touches merge logic.
package source

import (
	"context"
	"fmt"

	"coursedw/internal/etlerr"
	"coursedw/internal/warehouse"
)

// Source fetches the complete current state of entities from one feed.
type Source interface {
	// Name identifies the feed in logs and errors.
	Name() string

	// SourceIDAudit is the audit tag stamped on every version this feed
	// produces. Distinct per feed, stable across runs.
	SourceIDAudit() int

	// Entities lists the logical entities this feed snapshots, in merge order.
	Entities() []string

	// Fetch returns the feed's complete snapshot of one entity: every row
	// currently present, natural-keyed, attributes in entity order.
	Fetch(ctx context.Context, e warehouse.EntitySpec) ([]warehouse.SnapshotRow, error)
}

// checkRow validates one snapshot row against the entity spec: the natural
// key must be present and non-nullable attributes must not be nil.
func checkRow(feed string, e warehouse.EntitySpec, r warehouse.SnapshotRow) error {
	if r.Key == nil || warehouse.NormalizeKey(r.Key) == "" {
		return etlerr.Newf(etlerr.SchemaMismatch, "snapshot", e.Name,
			"feed %s: row missing natural key %s", feed, e.NaturalKey.Name)
	}
	if len(r.Attrs) != len(e.Attributes) {
		return etlerr.Newf(etlerr.SchemaMismatch, "snapshot", e.Name,
			"feed %s: row has %d attributes, spec has %d", feed, len(r.Attrs), len(e.Attributes))
	}
	for i, a := range e.Attributes {
		if r.Attrs[i] == nil && !a.Nullable {
			return etlerr.Newf(etlerr.SchemaMismatch, "snapshot", e.Name,
				"feed %s: key=%v missing required attribute %s", feed, r.Key, a.Name)
		}
	}
	return nil
}

func unavailable(feed, entity string, err error) error {
	return etlerr.New(etlerr.SourceUnavailable, "snapshot", entity,
		fmt.Errorf("feed %s: %w", feed, err))
}

func schemaMissing(feed string, e warehouse.EntitySpec, column string, line int) error {
	return etlerr.Newf(etlerr.SchemaMismatch, "snapshot", e.Name,
		"feed %s: line %d: missing required column %s", feed, line, column)
}

func schemaHeaderMissing(feed string, e warehouse.EntitySpec, column string) error {
	return etlerr.Newf(etlerr.SchemaMismatch, "snapshot", e.Name,
		"feed %s: header missing required column %s", feed, column)
}
