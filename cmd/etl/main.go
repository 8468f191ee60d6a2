// The etl binary runs one warehouse batch: it loads the pipeline config,
// connects the snapshot sources and the storage backend, executes the SCD2
// merge and star-schema rebuild inside one transaction, and prints the
// batch summary. Scheduling is deliberately external; run it from cron or
// an orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"coursedw/internal/batch"
	"coursedw/internal/config"
	"coursedw/internal/metrics"
	"coursedw/internal/metrics/datadog"
	"coursedw/internal/metrics/prompush"
	"coursedw/internal/model"
	"coursedw/internal/scd2"
	"coursedw/internal/source"
	"coursedw/internal/star"
	"coursedw/internal/warehouse"

	// register all storage backends; config picks one at runtime.
	_ "coursedw/internal/warehouse/all"

	// source database drivers for relational feeds.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	var (
		cfgPath        string
		mode           string
		batchID        int64
		metricsBackend string
		pushgatewayURL string
		validate       bool
	)

	flag.StringVar(&cfgPath, "config", "configs/pipeline.json", "pipeline config JSON path")
	flag.StringVar(&mode, "mode", "incremental", "load mode: full | incremental")
	flag.Int64Var(&batchID, "batch", 0, "batch id for incremental runs (full runs always use 1)")
	flag.StringVar(&metricsBackend, "metrics-backend", "none", "metrics backend: pushgateway | datadog | none")
	flag.StringVar(&pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable per-stage logs")

	flag.Parse()

	p, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	issues := config.ValidatePipeline(p)
	hasError := false
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		fatalf("configuration is invalid: %s", cfgPath)
	}
	if validate {
		log.Printf("configuration is valid: %s", cfgPath)
		return
	}

	setupMetrics(metricsBackend, pushgatewayURL, p.Job, *verbose)
	defer func() {
		if err := metrics.Close(); err != nil {
			log.Printf("metrics: close/flush error: %v", err)
		}
	}()

	ctx := context.Background()

	m := model.Warehouse(p.OnMissing)

	repo, err := warehouse.New(ctx, p.Storage)
	if err != nil {
		fatalf("storage: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx, m); err != nil {
		fatalf("%v", err)
	}

	sources, closeSources, err := buildSources(ctx, p)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeSources()

	var stageLogger batch.Logger
	if *verbose || p.Runtime.DebugTimings {
		stageLogger = log.New(os.Stderr, "", log.LstdFlags)
	}

	orch := &batch.Orchestrator{
		Repo:    repo,
		Model:   m,
		Sources: sources,
		Merge:   &scd2.Engine{Logger: stageLogger},
		Star: &star.Builder{
			Logger:    stageLogger,
			Strict:    p.StrictSources,
			BatchSize: p.Runtime.BatchSize,
		},
		Logger: stageLogger,
	}

	res, err := orch.Run(ctx, batchID, batch.Mode(mode))
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Print(res.Summary())
}

// buildSources constructs every configured feed. The returned closer shuts
// down whatever was opened, also on partial failure.
func buildSources(ctx context.Context, p config.Pipeline) ([]source.Source, func(), error) {
	var (
		sources []source.Source
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, sc := range p.Sources {
		switch sc.Kind {
		case "relational":
			rel, err := source.NewRelational(ctx, sc.Name, sc.SourceIDAudit, sc.Entities, *sc.Relational)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, rel.Close)
			sources = append(sources, rel)

		case "file":
			sources = append(sources, source.NewFile(sc.Name, sc.SourceIDAudit, sc.Entities[0], *sc.File))

		default:
			closeAll()
			return nil, nil, fmt.Errorf("source %s: unknown kind %q", sc.Name, sc.Kind)
		}
	}

	return sources, closeAll, nil
}

// setupMetrics installs the selected metrics backend; on any failure the
// nop backend stays and the batch runs without metrics.
func setupMetrics(name, pushgatewayURL, job string, verbose bool) {
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}
	if job == "" {
		job = "coursedw"
	}

	switch name {
	case "pushgateway":
		url := pushgatewayURL
		if url == "" {
			url = os.Getenv("PUSHGATEWAY_URL")
		}
		if url == "" {
			url = "http://localhost:9091"
		}

		b, err := prompush.NewBackend(prompush.Options{URL: url, JobName: job})
		if err != nil {
			log.Printf("metrics: failed to init pushgateway backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=pushgateway url=%s job=%s", url, job)
		metrics.SetBackend(b)

	case "datadog":
		extraTags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    job,
			Tags:       extraTags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=datadog job=%s tags=%v", job, extraTags)
		metrics.SetBackend(b)

	case "", "none":
		if verbose {
			log.Printf("metrics: disabled")
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", name)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
