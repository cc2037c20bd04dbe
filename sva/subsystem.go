package sva

import (
	"log"
	"sync"
	"time"
)

// Subsystem is the root of the SVA core: it wires the registry (C5),
// the bind/unbind coordinator (C6), the PRQ readers (C1) and the
// PASID lifecycle notifier (C7) to the external collaborators of §6.
// It plays the role fuse.Server/FileSystemConnector play together in
// the teacher: one struct a caller constructs once and drives for the
// lifetime of the IOMMU units it serves.
type Subsystem struct {
	cfg Config

	reg *registry

	alloc PASIDAllocator
	hw    HardwareOps
	fault FaultDispatcher

	completions map[IOMMUUnit]*batchCompletion

	// iommuLocks serialises PASID-table programming per IOMMU unit
	// (§5 lock hierarchy level 2, §4.2 guest-mode step 4: "Spinlock-
	// serialise the per-IOMMU programming step"). Both
	// ProgramPASIDEntry call sites take it; ClearPASIDEntry calls
	// do not.
	iommuLocksMu sync.Mutex
	iommuLocks   map[IOMMUUnit]*sync.Mutex

	cleanup *notifier

	cancelFree func()
}

// New constructs a Subsystem. It registers for PASID-free
// notifications (C7) immediately, since the spec requires no window
// where an external free could race an as-yet-unwired binding.
func New(alloc PASIDAllocator, hw HardwareOps, fault FaultDispatcher, cfg Config) (*Subsystem, error) {
	if err := checkPageGranularity(); err != nil {
		return nil, err
	}
	s := &Subsystem{
		cfg:         cfg.normalized(),
		reg:         newRegistry(),
		alloc:       alloc,
		hw:          hw,
		fault:       fault,
		completions: make(map[IOMMUUnit]*batchCompletion),
		iommuLocks:  make(map[IOMMUUnit]*sync.Mutex),
	}
	s.cleanup = newNotifier(s)
	s.cancelFree = alloc.OnFree(s.cleanup.onPASIDFreed)
	return s, nil
}

// Close stops listening for external PASID-free events. It does not
// tear down existing bindings; callers are expected to have already
// unbound every device.
func (s *Subsystem) Close() {
	if s.cancelFree != nil {
		s.cancelFree()
	}
	s.cleanup.wait()
}

func (s *Subsystem) completionFor(unit IOMMUUnit) *batchCompletion {
	// Called from the PRQ reader and from Drain, which runs on
	// whichever goroutine is unbinding or cleaning up, so the
	// reader and Drain can reach the map concurrently; it is
	// guarded by the registry mutex.
	s.reg.withLock(func() {
		if _, ok := s.completions[unit]; !ok {
			s.completions[unit] = newBatchCompletion()
		}
	})
	var c *batchCompletion
	s.reg.withLock(func() { c = s.completions[unit] })
	return c
}

// iommuLock returns the per-unit spinlock-analogue guarding PASID
// table programming, creating it on first use.
func (s *Subsystem) iommuLock(unit IOMMUUnit) *sync.Mutex {
	s.iommuLocksMu.Lock()
	defer s.iommuLocksMu.Unlock()
	l, ok := s.iommuLocks[unit]
	if !ok {
		l = &sync.Mutex{}
		s.iommuLocks[unit] = l
	}
	return l
}

func (s *Subsystem) recordStat(op string, start time.Time) {
	if s.cfg.Stats != nil {
		s.cfg.Stats.Record(op, time.Since(start))
	}
}

// GetPASID returns the PASID a successful Bind/BindGuest associated
// with a (device, address-space) or (device, domain) pair.
func GetPASID(b *Binding) PASID { return b.PASID }

func logf(format string, args ...any) {
	log.Printf("sva: "+format, args...)
}
