// Package report ships one InfluxDB point per finished job. Reporting is
// best-effort: a broken or absent InfluxDB never fails a job.
package report

import (
	"fmt"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/rs/zerolog"

	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/metrics"
)

// clientTimeout bounds every write so a stalled InfluxDB cannot hold up
// job finalization.
const clientTimeout = 5 * time.Second

// measurement is the InfluxDB measurement name, kept from the original
// reporting schema so existing dashboards keep working.
const measurement = "extractor_run"

// Run describes one finished job.
type Run struct {
	Extractor string
	Result    string
	Duration  time.Duration
	FilesIn   int
	FilesOut  int
	BytesOut  int64
}

// Reporter writes extractor_run points. A nil *Reporter is valid and
// records nothing, so callers never branch on whether reporting is
// configured.
type Reporter struct {
	client   client.Client
	database string
	log      zerolog.Logger
}

// New builds a reporter from config. An empty host disables reporting by
// returning nil.
func New(cfg config.InfluxConfig) (*Reporter, error) {
	if cfg.Host == "" {
		return nil, nil
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		Username: cfg.User,
		Password: cfg.Password,
		Timeout:  clientTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("report: influx client: %w", err)
	}
	return &Reporter{
		client:   c,
		database: cfg.Database,
		log:      log.WithComponent("report"),
	}, nil
}

// Record writes one run point. Failures are logged at warn and counted,
// never returned.
func (r *Reporter) Record(run Run) {
	if r == nil {
		return
	}

	pt, err := client.NewPoint(measurement,
		map[string]string{
			"extractor": run.Extractor,
			"result":    run.Result,
		},
		map[string]any{
			"duration_s": run.Duration.Seconds(),
			"files_in":   run.FilesIn,
			"files_out":  run.FilesOut,
			"bytes_out":  run.BytesOut,
		},
		time.Now(),
	)
	if err != nil {
		r.log.Warn().Err(err).Msg("influx point rejected")
		metrics.IncReportPoint(false)
		return
	}

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  r.database,
		Precision: "s",
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("influx batch rejected")
		metrics.IncReportPoint(false)
		return
	}
	bp.AddPoint(pt)

	if err := r.client.Write(bp); err != nil {
		r.log.Warn().Err(err).Str("extractor", run.Extractor).Msg("influx write failed")
		metrics.IncReportPoint(false)
		return
	}
	metrics.IncReportPoint(true)
}

// Close releases the underlying HTTP client.
func (r *Reporter) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}
