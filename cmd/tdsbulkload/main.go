// Package main is the entrypoint for the tdsbulkload CLI: it loads a
// rows file, acquires a pooled connection for a target, and drives a
// bounded-batch copy into a table.
package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbusdb/tds-go/bulkcopy"
	"github.com/nimbusdb/tds-go/config"
	"github.com/nimbusdb/tds-go/internal/coordinator"
	"github.com/nimbusdb/tds-go/internal/health"
	"github.com/nimbusdb/tds-go/internal/metrics"
	"github.com/nimbusdb/tds-go/pool"
)

var (
	clientConfigPath  = flag.String("config", "configs/client.yaml", "Path to client configuration file")
	targetsConfigPath = flag.String("targets", "configs/targets.yaml", "Path to targets configuration file")
	targetID          = flag.String("target", "", "Target ID to copy into (required)")
	table             = flag.String("table", "", "Destination table (required)")
	columns           = flag.String("columns", "", "Comma-separated column list (required)")
	rowsPath          = flag.String("rows", "-", "Path to a CSV rows file, or - for stdin")
	batchSize         = flag.Int("batch-size", 0, "Rows per batch (defaults to the target's default_batch_size)")
	identityInsert    = flag.Bool("identity-insert", false, "Enable IDENTITY_INSERT for the duration of the copy")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] starting tdsbulkload")

	if *targetID == "" || *table == "" || *columns == "" {
		log.Fatal("[main] -target, -table, and -columns are required")
	}

	cfg, err := config.Load(*clientConfigPath, *targetsConfigPath)
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	log.Printf("[main] configuration loaded: %d targets, instance=%s", len(cfg.Targets), cfg.Client.InstanceID)

	target, ok := cfg.TargetByID(*targetID)
	if !ok {
		log.Fatalf("[main] unknown target %s", *targetID)
	}

	for _, t := range cfg.Targets {
		metrics.ConnectionsActive.WithLabelValues(t.ID).Set(0)
		metrics.ConnectionsIdle.WithLabelValues(t.ID).Set(0)
		metrics.ConnectionsMax.WithLabelValues(t.ID).Set(float64(t.MaxConnections))
		metrics.QueueLength.WithLabelValues(t.ID).Set(0)
	}
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Client.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Client.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] metrics server listening on :%d/metrics", cfg.Client.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] metrics server error: %v", err)
		}
	}()

	checker := health.NewChecker(cfg)
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] health check server listening on :%d/health", cfg.Client.HealthCheckPort)

	log.Println("[main] initializing connection pool manager...")
	poolMgr, err := pool.NewManager(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] failed to initialize pool manager: %v", err)
	}
	defer func() {
		log.Println("[main] closing pool manager...")
		if err := poolMgr.Close(); err != nil {
			log.Printf("[main] pool manager close error: %v", err)
		}
	}()

	log.Println("[main] initializing redis coordinator...")
	rc, err := coordinator.NewRedisCoordinator(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] failed to initialize redis coordinator: %v", err)
	}
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := rc.Close(shutCtx); err != nil {
			log.Printf("[main] coordinator close error: %v", err)
		}
	}()
	if rc.IsFallback() {
		log.Println("[main] coordinator started in fallback mode (redis unavailable)")
	}

	hb := coordinator.NewHeartbeat(rc)
	hb.Start(context.Background())
	defer hb.Stop()

	limiter := coordinator.NewJobLimiter(rc, cfg.Redis.MaxQueueDepth)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		sig := <-sigCh
		log.Printf("[main] received signal %v, cancelling copy", sig)
		cancelRun()
	}()

	cols := strings.Split(*columns, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}

	rows, err := loadRows(*rowsPath)
	if err != nil {
		log.Fatalf("[main] failed to load rows: %v", err)
	}
	log.Printf("[main] loaded %d rows for table %s", len(rows), *table)

	size := *batchSize
	if size <= 0 {
		size = target.DefaultBatchSize
	}

	opts := bulkcopy.Options{
		Table:            *table,
		Columns:          cols,
		BatchSize:        size,
		IdentityInsert:   *identityInsert,
		StatementTimeout: target.StatementTimeout,
	}

	if err := limiter.Acquire(runCtx, target.ID, target.QueueTimeout); err != nil {
		log.Fatalf("[main] failed to acquire job slot for target %s: %v", target.ID, err)
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := limiter.Release(releaseCtx, target.ID); err != nil {
			log.Printf("[main] failed to release job slot for target %s: %v", target.ID, err)
		}
	}()

	stuckCheckDone := make(chan struct{})
	go func() {
		defer close(stuckCheckDone)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if over := poolMgr.TargetsOverStatementTimeout(); len(over) > 0 {
					log.Printf("[main] targets with connections over statement_timeout: %v", over)
				}
			}
		}
	}()
	defer func() {
		cancelRun()
		<-stuckCheckDone
	}()

	driver := bulkcopy.NewBulkBatchDriver(poolMgr, target.ID)

	hook := func(_ *sql.Conn, batchIndex int) error {
		log.Printf("[main] batch %d committed for target %s", batchIndex, target.ID)
		return nil
	}

	summary, err := driver.Copy(runCtx, rows, opts, hook)
	if err != nil {
		log.Fatalf("[main] copy failed after %d batches (%d rows): %v", summary.BatchesExecuted, summary.TotalRows, err)
	}

	log.Printf("[main] copy complete: %d rows in %d batches (%s)",
		summary.TotalRows, summary.BatchesExecuted, summary.Duration)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Client.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] metrics server shutdown error: %v", err)
	}
	if err := checker.Close(); err != nil {
		log.Printf("[main] health checker close error: %v", err)
	}

	log.Println("[main] shutdown complete")
}

// loadRows reads a CSV file (or stdin when path is "-") into [][]any.
// Values are kept as strings; go-mssqldb coerces them against the
// target column types. Column-count validation happens in Copy.
func loadRows(path string) ([][]any, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening rows file %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var rows [][]any
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row %d: %w", len(rows), err)
		}

		row := make([]any, len(record))
		for i, v := range record {
			row[i] = v
		}
		rows = append(rows, row)
	}

	return rows, nil
}
