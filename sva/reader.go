package sva

import (
	"sync"

	"github.com/iommu-sva/sva/prq"
)

// PRQReader is C1: the sole consumer of one IOMMU unit's Page Request
// Queue. It is grounded on the teacher's Server.loop/readRequest/
// handleRequest trio — clear the latch before sampling indices, drain
// a batch without reordering, respond at most once per descriptor,
// then publish progress.
type PRQReader struct {
	s    *Subsystem
	unit IOMMUUnit

	mu         sync.Mutex
	unregister func()

	lastGroup prq.GroupKey
	lastB     *Binding
	lastD     *deviceBinding
	haveLast  bool
}

// StartPRQReader registers the reader's handler as the unit's
// threaded interrupt handler.
func (s *Subsystem) StartPRQReader(unit IOMMUUnit) (*PRQReader, error) {
	r := &PRQReader{s: s, unit: unit}
	unregister, err := s.hw.RegisterThreadedInterrupt(unit, r.handleInterrupt)
	if err != nil {
		return nil, wrapErr("StartPRQReader", KindHardware, err)
	}
	r.unregister = unregister
	return r, nil
}

// Stop deregisters the handler. In-flight invocations are not
// cancelled; callers that need a hard guarantee no more faults will
// be resolved for a given pasid should rely on Drain (§4.4), not Stop.
func (r *PRQReader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unregister != nil {
		r.unregister()
		r.unregister = nil
	}
}

// handleInterrupt is the per-invocation algorithm of §4.3.
func (r *PRQReader) handleInterrupt() {
	s := r.s
	unit := r.unit

	// Step 1: clear the pending-interrupt latch before sampling
	// indices, so a fresh fault after this point re-triggers.
	if err := s.hw.ClearPendingInterrupt(unit); err != nil {
		logf("PRQReader: clear pending interrupt failed: %v", err)
		return
	}

	// Step 2: read tail, then head.
	head, tail, err := s.hw.ReadPRQIndices(unit)
	if err != nil {
		logf("PRQReader: read PRQ indices failed: %v", err)
		return
	}

	size := s.hw.RingSize(unit)
	if size == 0 {
		return
	}

	completion := s.completionFor(unit)

	for i := head; i != tail; i = (i + 1) % size {
		raw, err := s.hw.ReadPRQRing(unit, i)
		if err != nil {
			logf("PRQReader: read PRQ ring entry %d failed: %v", i, err)
			continue
		}
		r.process(prq.Decode(raw[:]))
	}

	// Step 4: publish new head = tail.
	if err := s.hw.WritePRQHead(unit, tail); err != nil {
		logf("PRQReader: write PRQ head failed: %v", err)
	}

	// Step 5: clear overflow only once the ring has caught up.
	if overflowed, err := s.hw.PRQOverflowed(unit); err == nil && overflowed {
		logf("PRQReader: page request queue overflow on unit %v", unit)
		newHead, newTail, err := s.hw.ReadPRQIndices(unit)
		if err == nil && newHead == newTail {
			if err := s.hw.ClearPRQOverflow(unit); err != nil {
				logf("PRQReader: clear PRQ overflow failed: %v", err)
			}
		}
	}

	// Step 6: signal waiters (the drainer) that a batch has drained.
	completion.signal()
}

// process implements steps 3a-3e for one descriptor.
func (r *PRQReader) process(d prq.Descriptor) {
	s := r.s

	if !valid(d) {
		r.postResponse(d, prq.ResponseInvalid)
		return
	}

	b, db := r.lookup(d)
	if b == nil {
		r.postResponse(d, prq.ResponseInvalid)
		return
	}

	if b.Mode == ModeGuestNested {
		// §4.3 step 3c: hand off to the external fault sink and do
		// not respond here; the response comes later through
		// PageResponse once a user-space handler resolves it.
		event := FaultEvent{Device: deviceOf(db), PASID: PASID(d.PASID), Descriptor: d}
		if err := s.fault.ReportDeviceFault(deviceOf(db), event); err != nil {
			logf("PRQReader: report device fault failed for pasid %d: %v", d.PASID, err)
		}
		return
	}

	code := s.ResolveFault(b, d)
	r.postResponse(d, code)
}

func deviceOf(db *deviceBinding) DeviceHandle {
	if db == nil {
		return nil
	}
	return db.Device
}

// postResponse implements step 3e: post a page-group response iff the
// descriptor terminates a group or carries private data.
func (r *PRQReader) postResponse(d prq.Descriptor, code prq.ResponseCode) {
	if !d.LastInGroup && !d.PrivDataPresent {
		return
	}
	resp := prq.ForDescriptor(d, code)
	if err := r.s.hw.PostPageGroupResponse(r.unit, resp); err != nil {
		logf("PRQReader: post page-group response failed: %v", err)
	}
}

// valid implements §4.3 step 3a.
func valid(d prq.Descriptor) bool {
	if !d.PASIDPresent {
		return false
	}
	if d.PrivReq && (d.RdReq || d.WrReq) {
		return false
	}
	if d.ExeReq && d.RdReq {
		return false
	}
	return true
}

// lookup caches (B, D) across consecutive descriptors sharing a
// (pasid, source-ID) group (§4.3 step 3b).
func (r *PRQReader) lookup(d prq.Descriptor) (*Binding, *deviceBinding) {
	key := d.GroupKey()
	if r.haveLast && r.lastGroup == key {
		return r.lastB, r.lastD
	}

	b, ok := r.s.reg.find(PASID(d.PASID), PASIDSetHost)
	if !ok {
		b, ok = r.s.reg.find(PASID(d.PASID), PASIDSetGuest)
	}
	if !ok {
		r.haveLast = false
		return nil, nil
	}
	db := findDeviceBySourceID(b, d.SourceID)
	if db == nil {
		r.haveLast = false
		return nil, nil
	}

	r.lastGroup = key
	r.lastB = b
	r.lastD = db
	r.haveLast = true
	return b, db
}

func findDeviceBySourceID(b *Binding, sourceID uint16) *deviceBinding {
	for _, db := range b.devicesSnapshot() {
		if db.SourceID == sourceID {
			return db
		}
	}
	return nil
}
