package health

import (
	"context"
	"os"
	"os/exec"

	"github.com/agriscope/gleaner/internal/store"
)

// BrokerChecker reports whether the message transport is connected.
type BrokerChecker struct {
	connected func() bool
}

// NewBrokerChecker wraps a connection probe. A nil probe means the transport
// has no connection state (memory bus) and always checks healthy.
func NewBrokerChecker(connected func() bool) *BrokerChecker {
	return &BrokerChecker{connected: connected}
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	if c.connected == nil {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "in-process transport",
		}
	}
	if !c.connected() {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  "broker connection down",
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "connected",
	}
}

// StoreChecker probes the job store with a read.
type StoreChecker struct {
	store store.JobStore
}

// NewStoreChecker creates a checker over the job store.
func NewStoreChecker(s store.JobStore) *StoreChecker {
	return &StoreChecker{store: s}
}

func (c *StoreChecker) Name() string { return "store" }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	// A read against a key that cannot exist; only backend failures error.
	if _, err := c.store.GetJob(ctx, "readiness-probe"); err != nil {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "store responding",
	}
}

// WorkspaceChecker verifies the data directory exists and is writable.
type WorkspaceChecker struct {
	path string
}

// NewWorkspaceChecker creates a checker for the work root.
func NewWorkspaceChecker(path string) *WorkspaceChecker {
	return &WorkspaceChecker{path: path}
}

func (c *WorkspaceChecker) Name() string { return "workspace" }

func (c *WorkspaceChecker) Check(ctx context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusUnhealthy,
				Error:   "directory does not exist",
				Message: c.path,
			}
		}
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "path is not a directory",
			Message: c.path,
		}
	}

	f, err := os.CreateTemp(c.path, ".probe-*")
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "directory is not writable",
			Message: c.path,
		}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	return CheckResult{
		Status:  StatusHealthy,
		Message: "workspace writable",
	}
}

// ToolChecker verifies an external tool binary resolves on PATH (or, for an
// explicit path, exists and is executable).
type ToolChecker struct {
	name string
	bin  string
}

// NewToolChecker creates a checker for one tool binary.
func NewToolChecker(name, bin string) *ToolChecker {
	return &ToolChecker{name: name, bin: bin}
}

func (c *ToolChecker) Name() string { return c.name }

func (c *ToolChecker) Check(ctx context.Context) CheckResult {
	if c.bin == "" {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "not configured (optional)",
		}
	}
	path, err := exec.LookPath(c.bin)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: c.bin,
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: path,
	}
}
