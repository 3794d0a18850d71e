// Package telemetry feeds tracker rate data to InfluxDB.
//
// The Reporter samples the tracker on a timer — packet rates from the
// rolling-rate record, counter totals, and the per-PHY device
// population — and writes them as points. It is advisory: a sink
// outage never affects tracking, and failed samples are simply retried
// on the next tick.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/radiowatch/radiowatch-core/internal/infrastructure/config"
	"github.com/radiowatch/radiowatch-core/internal/timetracker"
	"github.com/radiowatch/radiowatch-core/internal/tracker"
)

// Sampling defaults.
const (
	// defaultSampleInterval is used when the config leaves the flush
	// interval unset.
	defaultSampleInterval = 10 * time.Second

	// connectPingTimeout bounds the connectivity check at startup.
	connectPingTimeout = 10 * time.Second

	// sampleWriteTimeout bounds one tick's writes so a hung sink cannot
	// wedge the timer callback.
	sampleWriteTimeout = 5 * time.Second
)

// Sentinel errors.
var (
	// ErrDisabled indicates the telemetry sink is off in configuration.
	ErrDisabled = errors.New("telemetry: disabled in configuration")

	// ErrConnectionFailed indicates the sink was unreachable at startup.
	ErrConnectionFailed = errors.New("telemetry: connection failed")
)

// Logger is the logging interface used by the Reporter.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Reporter periodically writes tracker telemetry to InfluxDB.
//
// Writes use the blocking API: each tick produces two points, so
// batching buys nothing and synchronous errors let the tick log and
// move on.
type Reporter struct {
	client  influxdb2.Client
	write   api.WriteAPIBlocking
	tracker *tracker.Tracker
	timers  *timetracker.Tracker
	logger  Logger
	nodeID  string
	timerID int
}

// Start connects to the sink and begins sampling the tracker. The
// sample period comes from the config's flush_interval (seconds),
// falling back to 10s.
func Start(cfg config.InfluxDBConfig, nodeID string, tr *tracker.Tracker, timers *timetracker.Tracker, logger Logger) (*Reporter, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	pingCtx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := &Reporter{
		client:  client,
		write:   client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		tracker: tr,
		timers:  timers,
		logger:  logger,
		nodeID:  nodeID,
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}

	interval := defaultSampleInterval
	if cfg.FlushInterval > 0 {
		interval = time.Duration(cfg.FlushInterval) * time.Second
	}

	r.timerID = timers.RegisterTimer(interval, func() bool {
		r.sample()
		return true
	})

	return r, nil
}

// sample reads one telemetry snapshot from the tracker and writes it.
func (r *Reporter) sample() {
	now := time.Now()

	var perSecond uint64
	if rrd := r.tracker.PacketsRRD(); rrd != nil {
		perSecond = rrd.Last(now)
	}

	rates := write.NewPoint(
		"packet_rates",
		map[string]string{"node": r.nodeID},
		map[string]interface{}{
			"packets_per_second": float64(perSecond),
			"packets":            float64(r.tracker.NumPackets()),
			"data_packets":       float64(r.tracker.NumDataPackets()),
			"error_packets":      float64(r.tracker.NumErrorPackets()),
			"filter_packets":     float64(r.tracker.NumFilterPackets()),
		},
		now,
	)

	population := map[string]interface{}{
		"devices": r.tracker.NumDevices(),
	}
	for _, d := range r.tracker.Snapshot() {
		field := "devices_" + d.PhyName
		if v, ok := population[field].(int); ok {
			population[field] = v + 1
		} else {
			population[field] = 1
		}
	}
	devices := write.NewPoint(
		"device_population",
		map[string]string{"node": r.nodeID},
		population,
		now,
	)

	ctx, cancel := context.WithTimeout(context.Background(), sampleWriteTimeout)
	defer cancel()

	if err := r.write.WritePoint(ctx, rates, devices); err != nil {
		r.logger.Warn("telemetry write failed, will retry next tick", "error", err)
	}
}

// Close stops sampling and disconnects from the sink.
func (r *Reporter) Close() {
	if r.timers != nil {
		r.timers.RemoveTimer(r.timerID)
	}
	if r.client != nil {
		r.client.Close()
	}
}
