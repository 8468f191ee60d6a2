package main

import (
	"context"
	"testing"

	"coursedw/internal/config"
)

func TestBuildSourcesFromConfig(t *testing.T) {
	p := config.Pipeline{
		Sources: []config.Source{
			{
				Name:          "partner_csv",
				Kind:          "file",
				SourceIDAudit: 2,
				Entities:      []string{"user_traffic"},
				File:          &config.FileSource{Path: "/data/traffic.csv"},
			},
		},
	}

	// A file source opens lazily, so wiring succeeds without the file.
	sources, closeAll, err := buildSources(context.Background(), p)
	if err != nil {
		t.Fatalf("buildSources: %v", err)
	}
	defer closeAll()

	if len(sources) != 1 {
		t.Fatalf("got %d sources, want 1", len(sources))
	}
	if sources[0].Name() != "partner_csv" || sources[0].SourceIDAudit() != 2 {
		t.Errorf("source wired wrong: %s audit %d", sources[0].Name(), sources[0].SourceIDAudit())
	}
}

func TestBuildSourcesRejectsUnknownKind(t *testing.T) {
	p := config.Pipeline{
		Sources: []config.Source{
			{Name: "queue", Kind: "kafka", SourceIDAudit: 1, Entities: []string{"users"}},
		},
	}

	if _, _, err := buildSources(context.Background(), p); err == nil {
		t.Fatal("unknown source kind should fail")
	}
}
