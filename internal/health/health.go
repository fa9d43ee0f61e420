// Package health provides health-check functionality for the
// infrastructure this client depends on: SQL Server targets and the
// Redis-backed job coordinator.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/nimbusdb/tds-go/config"
	"github.com/nimbusdb/tds-go/internal/metrics"
	"github.com/nimbusdb/tds-go/tds"
	"github.com/redis/go-redis/v9"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker runs health checks against infrastructure components.
type Checker struct {
	cfg         *config.Config
	redisClient *redis.Client
}

// NewChecker creates a new health checker.
func NewChecker(cfg *config.Config) *Checker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	return &Checker{
		cfg:         cfg,
		redisClient: rdb,
	}
}

// Close releases the checker's resources.
func (c *Checker) Close() error {
	return c.redisClient.Close()
}

// Check runs health checks against every component and returns a report.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Client.InstanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := c.checkRedis(ctx)
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}()

	for i := range c.cfg.Targets {
		t := &c.cfg.Targets[i]
		wg.Add(1)
		go func(target *config.Target) {
			defer wg.Done()
			ch := c.checkSQLServer(ctx, target)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}(t)

		wg.Add(1)
		go func(target *config.Target) {
			defer wg.Done()
			ch := c.checkFraming(ctx, target)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}(t)
	}

	wg.Wait()

	report.Components = components

	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := c.redisClient.Ping(ctx)
	latency := time.Since(start)

	if result.Err() != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", result.Err()),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

func (c *Checker) checkSQLServer(ctx context.Context, t *config.Target) ComponentHealth {
	start := time.Now()
	name := fmt.Sprintf("sqlserver-%s", t.ID)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := sql.Open("sqlserver", t.DSN())
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("failed to create connection: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	defer db.Close()

	var result int
	err = db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("SELECT 1 failed: %v", err),
			Latency: latency.String(),
		}
	}

	var version string
	err = db.QueryRowContext(ctx, "SELECT @@VERSION").Scan(&version)
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusHealthy,
			Message: "connected (version check failed)",
			Latency: latency.String(),
		}
	}

	if len(version) > 80 {
		version = version[:80] + "..."
	}

	return ComponentHealth{
		Name:    name,
		Status:  StatusHealthy,
		Message: version,
		Latency: latency.String(),
	}
}

// checkFraming dials the target's SQL Server port directly — bypassing
// go-mssqldb entirely — and round-trips a PRELOGIN message through a
// real tds.StreamFramer: EncodeMessage on the way out, Feed/Drain on the
// way back. go-mssqldb owns the actual login and query path, but this is
// the framer's only exercise against a live socket, and the only place
// FramingErrors gets a real increment.
func (c *Checker) checkFraming(ctx context.Context, t *config.Target) ComponentHealth {
	start := time.Now()
	name := fmt.Sprintf("framing-%s", t.ID)

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("dial failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	defer conn.Close()

	deadline := time.Now().Add(10 * time.Second)
	conn.SetDeadline(deadline)

	framer := tds.NewStreamFramer(c.cfg.Client.MaxPacketSize)

	packets, err := framer.EncodeMessage(tds.PacketPrelogin, preloginProbePayload())
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("encoding PRELOGIN probe: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	for _, pkt := range packets {
		if _, err := conn.Write(pkt.Bytes()); err != nil {
			return ComponentHealth{
				Name:    name,
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("writing PRELOGIN probe: %v", err),
				Latency: time.Since(start).String(),
			}
		}
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			msgs, derr := framer.Drain()
			if derr != nil {
				metrics.FramingErrors.WithLabelValues(t.ID, classifyFramingErr(derr)).Inc()
				return ComponentHealth{
					Name:    name,
					Status:  StatusUnhealthy,
					Message: fmt.Sprintf("framing error: %v", derr),
					Latency: time.Since(start).String(),
				}
			}
			if len(msgs) > 0 {
				return ComponentHealth{
					Name:    name,
					Status:  StatusHealthy,
					Message: fmt.Sprintf("received %s reply", msgs[0].Type),
					Latency: time.Since(start).String(),
				}
			}
		}
		if err != nil {
			return ComponentHealth{
				Name:    name,
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("reading PRELOGIN reply: %v", err),
				Latency: time.Since(start).String(),
			}
		}
		if time.Now().After(deadline) {
			return ComponentHealth{
				Name:    name,
				Status:  StatusUnhealthy,
				Message: "timed out waiting for PRELOGIN reply",
				Latency: time.Since(start).String(),
			}
		}
	}
}

// preloginProbePayload builds a minimal MS-TDS PRELOGIN option block: a
// single VERSION option (6 bytes of zeroed version/subbuild data)
// followed by the terminator byte. It is enough to elicit a PRELOGIN
// reply from any TDS-speaking server without performing a real login.
func preloginProbePayload() []byte {
	const (
		optVersion    = 0x00
		optTerminator = 0xFF
	)

	data := make([]byte, 6)
	headerLen := 5 + 1 // one option header (token, offset, length) + terminator
	offset := headerLen

	payload := make([]byte, 0, headerLen+len(data))
	payload = append(payload, optVersion)
	payload = append(payload, byte(offset>>8), byte(offset))
	payload = append(payload, byte(len(data)>>8), byte(len(data)))
	payload = append(payload, optTerminator)
	payload = append(payload, data...)
	return payload
}

// classifyFramingErr extracts the FramingReason label from a
// *tds.InvalidFraming error, falling back to "unknown" for anything
// else Drain might someday return.
func classifyFramingErr(err error) string {
	var fe *tds.InvalidFraming
	if errors.As(err, &fe) {
		return fe.Reason.String()
	}
	return "unknown"
}

// ServeHTTP starts the health-check HTTP server.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.cfg.Client.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
