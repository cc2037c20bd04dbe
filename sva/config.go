package sva

import (
	"golang.org/x/sys/unix"
)

// Config holds construction-time parameters for a Subsystem. It plays
// the role fuse.MountOptions plays for a Server: a plain options
// struct, no flag parsing, no config files — Non-goals exclude a
// CLI/config surface, not a constructor's parameters.
type Config struct {
	// PASIDMin/PASIDMax bound PASID allocation in both the host and
	// the guest set (§4.2 step 3: "allocate a new PASID p (range [1, pasid_max))").
	// Zero values default to [1, PASIDMax).
	PASIDMin, PASIDMax PASID

	// CleanupWorkers bounds the C7 worker pool concurrency. Zero
	// defaults to 4.
	CleanupWorkers int

	Stats StatsRecorder
}

func (c Config) normalized() Config {
	out := c
	if out.PASIDMin == 0 {
		out.PASIDMin = 1
	}
	if out.PASIDMax == 0 {
		out.PASIDMax = PASIDMax
	}
	if out.CleanupWorkers <= 0 {
		out.CleanupWorkers = 4
	}
	return out
}

// checkPageGranularity cross-checks the wire format's hard-coded 4
// KiB PRQ address alignment (§6: "address is 4 KiB aligned") against
// the host's actual page size, so a platform mismatch fails fast at
// construction instead of silently mis-resolving every fault.
func checkPageGranularity() error {
	if unix.Getpagesize() < 4096 {
		return wrapErr("checkPageGranularity", KindHardware, ErrNotSupported)
	}
	return nil
}
