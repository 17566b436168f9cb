package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Suvan8806/DriftWatch/internal/simulator"
)

func main() {
	var (
		target      = flag.String("target", "http://localhost:8080", "DriftWatch base URL")
		serviceID   = flag.String("service", "demo-service", "service id to emit")
		patternName = flag.String("pattern", "NORMAL", "traffic pattern: NORMAL, SPIKE or CREEP")
		count       = flag.Int("count", 500, "number of samples to send")
		rate        = flag.Float64("rate", 20, "samples per second")
		baseLatency = flag.Float64("latency", 100, "base latency in ms")
		basePayload = flag.Float64("payload", 64, "base payload in kb")
		seed        = flag.Int64("seed", 0, "rng seed, 0 picks from the clock")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pattern, err := simulator.ParsePattern(*patternName)
	if err != nil {
		log.Error("bad pattern", slog.String("error", err.Error()))
		os.Exit(2)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 5 * time.Second}
	endpoint := *target + "/v1/telemetry"
	sink := simulator.SinkFunc(func(ctx context.Context, serviceID string, ts time.Time, latencyMS, payloadKB float64) error {
		return post(ctx, client, endpoint, serviceID, ts, latencyMS, payloadKB)
	})

	runner := simulator.NewRunner(log)
	runner.Start(ctx, simulator.RunSpec{
		ServiceID:     *serviceID,
		Pattern:       pattern,
		Count:         *count,
		RatePerSecond: *rate,
		BaseLatencyMS: *baseLatency,
		BasePayloadKB: *basePayload,
		Seed:          *seed,
	}, sink)
	runner.Wait()
}

func post(ctx context.Context, client *http.Client, endpoint, serviceID string, ts time.Time, latencyMS, payloadKB float64) error {
	body, err := json.Marshal(map[string]any{
		"service_id": serviceID,
		"timestamp":  ts.Format(time.RFC3339Nano),
		"latency_ms": latencyMS,
		"payload_kb": payloadKB,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
