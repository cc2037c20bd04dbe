package sva

import (
	"golang.org/x/sync/errgroup"
)

// notifier is C7: it reacts to externally-initiated PASID frees (an
// outside VFIO-style actor releasing a guest PASID that still has live
// bindings) by dispatching cleanup onto a bounded worker pool, so the
// allocator's own calling context — which may be atomic — never has
// to run the teardown itself (§5: "The lifecycle notifier defers work
// to a worker pool to escape atomic contexts").
type notifier struct {
	s     *Subsystem
	group *errgroup.Group
}

func newNotifier(s *Subsystem) *notifier {
	g := &errgroup.Group{}
	g.SetLimit(s.cfg.CleanupWorkers)
	return &notifier{s: s, group: g}
}

// onPASIDFreed is the PASIDAllocator.OnFree callback (§4.7 steps 1-2):
// confirm a binding still exists for (set, p) — a mismatch or a PASID
// the notifier no longer tracks is ignored — then queue a cleanup
// worker for it. SetLimit makes this call block once CleanupWorkers
// workers are already busy, which is fine: OnFree callers are not
// expected to run on a latency-sensitive path.
func (n *notifier) onPASIDFreed(set PASIDSet, p PASID) {
	b, ok := n.s.reg.find(p, set)
	if !ok {
		return
	}
	n.group.Go(func() error {
		n.cleanup(b)
		return nil
	})
}

// cleanup implements §4.7 steps 3-4: tear down every device under the
// registry mutex, drain each outside it, then delete per-device
// fault-routing data only after the mutex is released, since that can
// race PRQ reporting for descriptors already in flight.
func (n *notifier) cleanup(b *Binding) {
	s := n.s

	type torndown struct {
		unit   IOMMUUnit
		device DeviceHandle
		db     *deviceBinding
	}
	var torn []torndown

	s.reg.withLock(func() {
		if b.draining() {
			// Already being torn down by Unbind/UnbindGuest or a
			// previous free notification; nothing left to do.
			return
		}
		for _, db := range b.devicesSnapshot() {
			device := db.Device
			removed, _ := b.removeDevice(device)
			if !removed {
				continue
			}
			if err := s.hw.ClearPASIDEntry(db.Unit, device, b.PASID); err != nil {
				logf("notifier: clear pasid entry failed: %v", err)
			}
			torn = append(torn, torndown{unit: db.Unit, device: device, db: db})
		}
		b.setState(stateDraining)
	})

	if len(torn) == 0 {
		return
	}

	for _, t := range torn {
		s.Drain(t.unit, b.PASID, t.device, t.db)
	}

	for _, t := range torn {
		dom := t.db.Dom
		if dom == nil || !dom.FaultDataRequired() {
			continue
		}
		if err := dom.RemoveFaultData(t.device, b.PASID); err != nil {
			logf("notifier: remove fault data failed: %v", err)
		}
	}

	s.finalizeBindingDestruction(b)
}

// wait blocks until every queued cleanup worker has returned. Callers
// (Subsystem.Close) use it to avoid tearing down collaborators while a
// cleanup worker still holds a reference to them.
func (n *notifier) wait() {
	_ = n.group.Wait()
}
