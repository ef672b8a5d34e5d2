package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agriscope/gleaner/internal/model"
	"github.com/agriscope/gleaner/internal/store"
)

func seedJob(t *testing.T, s store.JobStore, id string, state model.JobState, age time.Duration) {
	t.Helper()
	now := time.Now().Add(-age).Unix()
	err := s.PutJob(context.Background(), &model.JobRecord{
		JobID:         id,
		DatasetID:     "field-7",
		Extractor:     "clipbyshape",
		State:         state,
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	})
	if err != nil {
		t.Fatalf("seed job %s: %v", id, err)
	}
}

func mkWorkDir(t *testing.T, dataDir, jobID string, age time.Duration) string {
	t.Helper()
	dir := jobWorkDir(dataDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mk work dir: %v", err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatalf("age work dir: %v", err)
	}
	return dir
}

func TestSweepRecordsRetention(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	dataDir := t.TempDir()

	s := &Sweeper{
		Store:   st,
		DataDir: dataDir,
		Conf:    SweeperConfig{Interval: time.Minute, Retention: time.Hour},
	}

	seedJob(t, st, "old-done", model.JobSucceeded, 2*time.Hour)
	seedJob(t, st, "old-failed", model.JobFailed, 2*time.Hour)
	seedJob(t, st, "fresh-done", model.JobSucceeded, time.Minute)
	seedJob(t, st, "old-running", model.JobRunning, 2*time.Hour)

	oldDir := mkWorkDir(t, dataDir, "old-failed", 2*time.Hour)

	s.sweepRecords(context.Background())

	for _, id := range []string{"old-done", "old-failed"} {
		if rec, _ := st.GetJob(context.Background(), id); rec != nil {
			t.Fatalf("%s should be swept, still present: %+v", id, rec)
		}
	}
	for _, id := range []string{"fresh-done", "old-running"} {
		if rec, _ := st.GetJob(context.Background(), id); rec == nil {
			t.Fatalf("%s should survive the sweep", id)
		}
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("swept job's work dir should be removed: %v", err)
	}
}

func TestSweepWorkDirsOrphans(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	dataDir := t.TempDir()

	s := &Sweeper{
		Store:   st,
		DataDir: dataDir,
		Conf:    SweeperConfig{Interval: time.Minute, Retention: time.Hour},
	}

	orphan := mkWorkDir(t, dataDir, "orphan-job", 2*time.Hour)
	fresh := mkWorkDir(t, dataDir, "fresh-job", time.Minute)

	// An old dir with a live record is not an orphan.
	seedJob(t, st, "tracked-job", model.JobRunning, 2*time.Hour)
	tracked := mkWorkDir(t, dataDir, "tracked-job", 2*time.Hour)

	// Unsafe names never get touched.
	weird := filepath.Join(workRoot(dataDir), "weird name!")
	if err := os.MkdirAll(weird, 0o755); err != nil {
		t.Fatalf("mk weird dir: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	_ = os.Chtimes(weird, old, old)

	s.sweepWorkDirs(context.Background())

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphan dir should be removed: %v", err)
	}
	for name, dir := range map[string]string{"fresh": fresh, "tracked": tracked, "unsafe": weird} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("%s dir should survive: %v", name, err)
		}
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	s := &Sweeper{
		Store: st,
		Conf:  SweeperConfig{Interval: 10 * time.Millisecond, Retention: time.Hour},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
