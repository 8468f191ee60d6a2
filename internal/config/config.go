// Package config defines the JSON pipeline configuration the etl binary
// loads. It intentionally stays declarative: which warehouse backend, which
// snapshot sources feed which entities, and runtime knobs. The entity model
// itself lives in internal/model.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"coursedw/internal/warehouse"
)

// Load reads and parses a pipeline config file.
func Load(path string) (Pipeline, error) {
	var p Pipeline

	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("parse config %s: %w", path, err)
	}
	if p.Job == "" {
		p.Job = "coursedw"
	}

	// DSNs may reference credentials via ${VAR} so configs can be committed.
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	for i := range p.Sources {
		if r := p.Sources[i].Relational; r != nil {
			r.DSN = os.ExpandEnv(r.DSN)
		}
	}
	return p, nil
}

type Pipeline struct {
	Job     string           `json:"job"`
	Storage warehouse.Config `json:"storage"`
	Sources []Source         `json:"sources"`

	// StrictSources turns an unresolvable multi-source disagreement on a
	// natural key into a merge_conflict batch failure instead of applying
	// the documented tie-break.
	StrictSources bool `json:"strict_sources,omitempty"`

	// OnMissing overrides the per-entity deletion policy ("keep" | "close")
	// for natural keys absent from a new snapshot.
	OnMissing map[string]string `json:"on_missing,omitempty"`

	Runtime Runtime `json:"runtime"`
}

// Source declares one snapshot feed and the entities it supplies.
type Source struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"` // "relational" | "file"
	SourceIDAudit int    `json:"source_id_audit"`

	// Entities lists the logical entities this feed snapshots, in merge
	// order. Order matters when one entity references another.
	Entities []string `json:"entities"`

	Relational *RelationalSource `json:"relational,omitempty"`
	File       *FileSource       `json:"file,omitempty"`
}

// RelationalSource reads complete entity snapshots from a source database
// via database/sql. Driver must be one of the drivers linked into the
// binary (pgx, mysql, sqlserver, sqlite).
type RelationalSource struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`

	// Tables maps entity name to source table when it differs from the
	// entity name.
	Tables map[string]string `json:"tables,omitempty"`

	// Queries maps entity name to a full snapshot query, for entities whose
	// source shape needs joins (e.g. courses pulling category names). The
	// query must return the natural key column followed by every tracked
	// attribute, named exactly as the entity spec names them.
	Queries map[string]string `json:"queries,omitempty"`
}

// FileSource reads one entity snapshot from a delimited text file.
type FileSource struct {
	Path    string  `json:"path"`
	Options Options `json:"options"`
}

// Runtime controls batch execution behavior.
type Runtime struct {
	BatchSize int `json:"batch_size"`

	// DebugTimings enables per-stage duration logs.
	DebugTimings bool `json:"debug_timings"`
}
