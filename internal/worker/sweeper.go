package worker

import (
	"context"
	"os"
	"time"

	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/metrics"
	"github.com/agriscope/gleaner/internal/model"
	"github.com/agriscope/gleaner/internal/store"
)

// SweeperConfig sets the retention policy for terminal job records and
// their work dirs.
type SweeperConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Sweeper removes terminal job records past retention and orphaned work
// dirs no record points at. Failed jobs keep their work dir for forensics
// until retention expires.
type Sweeper struct {
	Store   store.JobStore
	DataDir string
	Conf    SweeperConfig
}

// Run sweeps on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.Conf.Interval <= 0 {
		s.Conf.Interval = 5 * time.Minute
	}
	if s.Conf.Retention <= 0 {
		s.Conf.Retention = 24 * time.Hour
	}

	logger := log.WithComponent("sweeper")
	logger.Info().
		Dur("interval", s.Conf.Interval).
		Dur("retention", s.Conf.Retention).
		Msg("retention sweeper started")

	ticker := time.NewTicker(s.Conf.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweepRecords(ctx)
			s.sweepWorkDirs(ctx)
		}
	}
}

// sweepRecords deletes terminal job records older than retention, together
// with their work dirs.
func (s *Sweeper) sweepRecords(ctx context.Context) {
	logger := log.WithComponent("sweeper")
	cutoff := time.Now().Add(-s.Conf.Retention)

	var expired []string
	err := s.Store.ScanJobs(ctx, func(r *model.JobRecord) error {
		if r.State.IsTerminal() && time.Unix(r.UpdatedAtUnix, 0).Before(cutoff) {
			expired = append(expired, r.JobID)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "sweeper.scan_failed").Msg("job scan failed")
		return
	}

	removed := 0
	for _, jobID := range expired {
		if err := s.Store.DeleteJob(ctx, jobID); err != nil {
			logger.Warn().Err(err).Str(log.FieldJobID, jobID).Msg("expired job delete failed")
			continue
		}
		metrics.IncSweeperDeletion("record")
		removed++
		s.removeWorkDir(jobID, "workdir")
	}

	if removed > 0 {
		logger.Info().
			Str(log.FieldEvent, "sweeper.records_removed").
			Int("count", removed).
			Msg("expired job records removed")
	}
}

// sweepWorkDirs removes work dirs whose job record no longer exists. Only
// directories with safe names and a modification time past retention are
// considered; anything younger may belong to a job between record creation
// and staging.
func (s *Sweeper) sweepWorkDirs(ctx context.Context) {
	if s.DataDir == "" {
		return
	}
	logger := log.WithComponent("sweeper")
	root := workRoot(s.DataDir)

	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str(log.FieldPath, root).Msg("work root read failed")
		}
		return
	}

	cutoff := time.Now().Add(-s.Conf.Retention)
	orphans := 0
	for _, e := range entries {
		if !e.IsDir() || !safeIDRe.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		rec, err := s.Store.GetJob(ctx, e.Name())
		if err != nil || rec != nil {
			continue
		}
		s.removeWorkDir(e.Name(), "orphan")
		orphans++
	}

	if orphans > 0 {
		logger.Info().
			Str(log.FieldEvent, "sweeper.orphans_removed").
			Int("count", orphans).
			Msg("orphaned work dirs removed")
	}
}

func (s *Sweeper) removeWorkDir(jobID, kind string) {
	if s.DataDir == "" || !safeIDRe.MatchString(jobID) {
		return
	}
	dir := jobWorkDir(s.DataDir, jobID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		wlog := log.WithComponent("sweeper")
		wlog.Warn().
			Err(err).
			Str(log.FieldWorkDir, dir).
			Msg("work dir removal failed")
		return
	}
	metrics.IncSweeperDeletion(kind)
}
