package sva

import (
	"time"

	"github.com/iommu-sva/sva/prq"
)

// canonical reports whether addr is a canonical virtual address: the
// bits above bit 47 (the conventional x86-64 48-bit virtual-address
// limit) must all equal bit 47 (§4.5 step 1).
func canonical(addr uint64) bool {
	const limit = 47
	signBit := (addr >> limit) & 1
	upper := addr >> (limit + 1)
	if signBit == 1 {
		return upper == ^uint64(0)>>(limit+1)
	}
	return upper == 0
}

// ResolveFault is C2: for a host-mode Binding, walk the address space
// and fault in the page a PRQ descriptor names (§4.5).
func (s *Subsystem) ResolveFault(b *Binding, d prq.Descriptor) prq.ResponseCode {
	defer s.recordStat("ResolveFault", time.Now())

	if b.draining() {
		// I6: a binding whose last device is being torn down (or
		// already freed) resolves no further faults.
		return prq.ResponseInvalid
	}

	if b.Mode == ModeHostSupervisor {
		// §4.5: "any host-mode fault with mode=SUPERVISOR is
		// logged and INVALID (device should not be issuing
		// user-space fault requests on a supervisor binding)."
		logf("ResolveFault: fault on supervisor-mode pasid %d, rejecting", b.PASID)
		return prq.ResponseInvalid
	}

	addr := d.Addr
	if !canonical(addr) {
		return prq.ResponseInvalid
	}

	a := b.AddressSpace
	release, live := a.TakeReferenceIfLive()
	if !live {
		return prq.ResponseInvalid
	}
	defer release()

	region, unlock, found := a.LookupRegion(addr)
	if !found || addr < region.Lo {
		if unlock != nil {
			unlock()
		}
		return prq.ResponseInvalid
	}
	defer unlock()

	if (d.WrReq && !region.Writable) || (d.RdReq && !region.Readable) || (d.ExeReq && !region.Executable) {
		return prq.ResponseInvalid
	}

	flags := FaultUser | FaultRemote
	if d.WrReq {
		flags |= FaultWrite
	}
	if err := a.FaultIn(addr, flags); err != nil {
		return prq.ResponseInvalid
	}
	return prq.ResponseSuccess
}
