package config

import "fmt"

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
)

// Issue is one validation finding, addressed by a JSON-ish path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// ValidatePipeline checks the config for problems that would otherwise only
// surface mid-batch. Errors block the run; warnings do not.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	errf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{SeverityWarn, path, fmt.Sprintf(format, args...)})
	}

	if p.Storage.Kind == "" {
		errf("storage.kind", "storage kind must be set")
	}
	if p.Storage.DSN == "" {
		errf("storage.dsn", "storage DSN must be set")
	}
	if len(p.Sources) == 0 {
		errf("sources", "at least one snapshot source is required")
	}

	seenAudit := map[int]string{}
	for i, s := range p.Sources {
		path := fmt.Sprintf("sources[%d]", i)

		if s.Name == "" {
			warnf(path+".name", "unnamed source; logs will be harder to read")
		}
		if s.SourceIDAudit <= 0 {
			errf(path+".source_id_audit", "source_id_audit must be a positive integer")
		} else if prev, dup := seenAudit[s.SourceIDAudit]; dup {
			errf(path+".source_id_audit", "source_id_audit %d already used by source %q", s.SourceIDAudit, prev)
		} else {
			seenAudit[s.SourceIDAudit] = s.Name
		}
		if len(s.Entities) == 0 {
			errf(path+".entities", "source feeds no entities")
		}

		switch s.Kind {
		case "relational":
			if s.Relational == nil {
				errf(path+".relational", "relational source settings are required")
				continue
			}
			if s.Relational.Driver == "" {
				errf(path+".relational.driver", "driver must be set")
			}
			if s.Relational.DSN == "" {
				errf(path+".relational.dsn", "dsn must be set")
			}
		case "file":
			if s.File == nil {
				errf(path+".file", "file source settings are required")
				continue
			}
			if s.File.Path == "" {
				errf(path+".file.path", "path must be set")
			}
			if len(s.Entities) > 1 {
				errf(path+".entities", "a file source feeds exactly one entity")
			}
		default:
			errf(path+".kind", "unknown source kind %q", s.Kind)
		}
	}

	for entity, policy := range p.OnMissing {
		if policy != "keep" && policy != "close" {
			errf("on_missing."+entity, "policy must be \"keep\" or \"close\", got %q", policy)
		}
	}

	if p.Runtime.BatchSize < 0 {
		errf("runtime.batch_size", "batch_size must be >= 0")
	}

	return issues
}
