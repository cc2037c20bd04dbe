package sva

import (
	"time"

	"github.com/iommu-sva/sva/prq"
)

// Drain is C3: it is called on the unbind path after the PASID entry
// has been cleared but before B is freed (§4.4), and guarantees no
// fault resolution for pasid can still be in flight once it returns
// (I6).
func (s *Subsystem) Drain(unit IOMMUUnit, pasid PASID, device DeviceHandle, db *deviceBinding) {
	defer s.recordStat("Drain", time.Now())

	if unit == nil {
		return
	}
	completion := s.completionFor(unit)

	s.drainSoftware(unit, pasid, completion)
	s.drainHardware(unit, pasid, device, db, completion)
}

// drainSoftware is phase 1: wait until no descriptor for pasid
// remains between the ring's live head and tail.
func (s *Subsystem) drainSoftware(unit IOMMUUnit, pasid PASID, completion *batchCompletion) {
	for {
		wait := completion.start()

		head, tail, err := s.hw.ReadPRQIndices(unit)
		if err != nil {
			logf("drain: read PRQ indices failed: %v", err)
			return
		}

		found := false
		size := s.hw.RingSize(unit)
		for i := head; i != tail; i = (i + 1) % size {
			raw, err := s.hw.ReadPRQRing(unit, i)
			if err != nil {
				logf("drain: read PRQ ring entry failed: %v", err)
				continue
			}
			if prq.Decode(raw[:]).PASID == uint32(pasid) {
				found = true
				break
			}
		}

		if !found {
			return
		}

		<-wait
	}
}

// drainHardware is phase 2: fence, invalidate the PASID's IOTLB and
// the device's device-TLB, then poll until no response is still in
// flight (§4.4 phase 2).
func (s *Subsystem) drainHardware(unit IOMMUUnit, pasid PASID, device DeviceHandle, db *deviceBinding, completion *batchCompletion) {
	batch := []InvalidationDescriptor{
		{FencedWait: true},
		{IOTLB: &IOTLBInvalidation{PASID: pasid, Addr: 0, Size: ^uint64(0)}},
	}
	if db != nil {
		batch = append(batch, InvalidationDescriptor{
			DeviceTLB: &DeviceTLBInvalidation{SourceID: db.SourceID, QDep: db.DeviceTLBDepth, PFSID: db.PFSID},
		})
	}

	for {
		wait := completion.start()

		if err := s.hw.SubmitInvalidation(unit, batch, true); err != nil {
			logf("drain: submit invalidation batch failed: %v", err)
		}

		outstanding, err := s.hw.PendingResponseOutstanding(unit)
		if err != nil {
			logf("drain: read pending-response status failed: %v", err)
			return
		}
		if !outstanding {
			return
		}

		<-wait
	}
}
