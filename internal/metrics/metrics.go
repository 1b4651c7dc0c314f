// Package metrics exports simulation diagnostics to InfluxDB.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Klingon-tech/klingnet-shardsim/internal/diag"
	"github.com/Klingon-tech/klingnet-shardsim/internal/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Config holds InfluxDB connection settings. An empty URL disables export.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Enabled reports whether export is configured.
func (c Config) Enabled() bool { return c.URL != "" }

// Exporter writes diagnostics snapshots as points.
type Exporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewExporter connects to InfluxDB and checks its health.
func NewExporter(ctx context.Context, cfg Config) (*Exporter, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("influxdb unhealthy: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Metrics.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}()
	return &Exporter{client: client, writeAPI: writeAPI}, nil
}

// Points converts a snapshot to InfluxDB points stamped at ts.
func Points(s diag.Snapshot, ts time.Time) []*write.Point {
	points := []*write.Point{
		write.NewPoint("shardsim_total",
			map[string]string{"run": s.RunID},
			countFields(s.Total), ts),
	}
	for _, id := range s.Validators() {
		points = append(points, write.NewPoint("shardsim_validator",
			map[string]string{"run": s.RunID, "validator": strconv.Itoa(id)},
			countFields(s.PerValidator[id]), ts))
	}
	for shard, n := range s.PerShard {
		points = append(points, write.NewPoint("shardsim_shard",
			map[string]string{"run": s.RunID, "shard": shard.String()},
			map[string]interface{}{"collations": int64(n)}, ts))
	}
	return points
}

func countFields(c diag.Counts) map[string]interface{} {
	return map[string]interface{}{
		"blocks":             int64(c.Blocks),
		"collations":         int64(c.Collations),
		"block_failures":     int64(c.BlockFailures),
		"collation_failures": int64(c.CollationFailures),
		"relays":             int64(c.Relays),
	}
}

// Export writes s asynchronously.
func (e *Exporter) Export(s diag.Snapshot) {
	for _, p := range Points(s, time.Now()) {
		e.writeAPI.WritePoint(p)
	}
}

// Close flushes pending points and closes the client.
func (e *Exporter) Close() {
	e.writeAPI.Flush()
	e.client.Close()
}
