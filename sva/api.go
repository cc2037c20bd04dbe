package sva

import (
	"time"

	"github.com/iommu-sva/sva/prq"
)

// DeviceHandle identifies a DMA-capable device. The core never
// dereferences it; device enumeration and PCI topology are explicitly
// out of scope (§1) and live with the caller.
type DeviceHandle interface{}

// IOMMUUnit identifies the physical IOMMU a device hangs off.
// Register-level programming of the unit is out of scope (§1); it is
// reached only through HardwareOps.
type IOMMUUnit interface{}

// Region describes the permissions of an address-space range covering
// a faulting address (§4.5 step 3).
type Region struct {
	Lo, Hi     uint64
	Readable   bool
	Writable   bool
	Executable bool
	Growable   bool // e.g. a downward-growable stack region
}

func (r Region) contains(addr uint64) bool { return addr >= r.Lo && addr < r.Hi }

// FaultFlags are passed to AddressSpace.FaultIn (§4.5 step 5).
type FaultFlags uint32

const (
	FaultUser FaultFlags = 1 << iota
	FaultRemote
	FaultWrite
)

// AddressSpace is the host address-space collaborator (§6). The core
// never manages page tables directly; it only asks the address space
// to resolve faults and to notify it of invalidation/exit.
type AddressSpace interface {
	// TakeReferenceIfLive returns a release func and true if the
	// address space is not already tearing down; false if it is
	// (§4.5 step 2).
	TakeReferenceIfLive() (release func(), live bool)

	// LookupRegion finds the region covering addr, extending a
	// growable region downward if applicable (§4.5 step 3). Must
	// be safe to call while holding the address space's own
	// reader lock via the returned unlock func.
	LookupRegion(addr uint64) (region Region, unlock func(), found bool)

	// FaultIn triggers the address space's fault handler (§4.5
	// step 5).
	FaultIn(addr uint64, flags FaultFlags) error

	// AttachObserver installs o; DetachObserver removes it. Both
	// are no-ops if called redundantly.
	AttachObserver(o AddressSpaceObserver) error
	DetachObserver(o AddressSpaceObserver)

	// SetPASID publishes p into the address space so that future
	// mappings made through it use p (§4.2 host-mode bind step 3).
	SetPASID(p PASID)
}

// AddressSpaceObserver is C4: the two callbacks an AddressSpace
// invokes on unmap and on exit.
type AddressSpaceObserver interface {
	RangeInvalidated(start, end uint64)
	Released()
}

// PASIDEntryConfig describes how to program a device's PASID table
// entry (§3 I4, §4.2). Exactly one of the three modes applies; which
// one is implied by the Binding's Mode.
type PASIDEntryConfig struct {
	Mode          Mode
	PageTableRoot uint64 // first-level or nested root, per Mode
	Paging5Level  bool
	SecondLevelDomain uint32 // nested mode: domain whose second-level tables this stitches over
	AddressWidth  uint8      // nested mode: guest-supplied address width
	AttributeBits uint8      // nested mode: guest-supplied vendor attribute bits
}

// InvalidationDescriptor is one entry of a hardware invalidation
// batch (§4.4 phase 2, §4.6).
type InvalidationDescriptor struct {
	FencedWait    bool
	IOTLB         *IOTLBInvalidation
	DeviceTLB     *DeviceTLBInvalidation
}

type IOTLBInvalidation struct {
	PASID      PASID
	Addr       uint64
	Size       uint64 // power-of-two aligned range
}

type DeviceTLBInvalidation struct {
	SourceID uint16
	QDep     uint16
	PFSID    uint32
}

// DeviceCapabilities reports the fixed hardware facts bind-time
// validation needs (§4.2 step 1, §4.2 guest-mode step 1). Discovering
// these values is the out-of-scope capability-probing collaborator's
// job (§1); the core only ever reads the result.
type DeviceCapabilities struct {
	// SourceID is the device's bus/devfn requester ID, the same value
	// PRQ descriptors carry (§6 "rid"), needed to correlate a fault
	// back to the device that issued it (§4.3 step 3b).
	SourceID uint16

	PASIDCapable      bool
	SupervisorCapable bool
	FullPASIDWidth    bool // 20-bit PASID width
	DeviceTLBEnabled  bool
	DeviceTLBDepth    uint16
	PFSID             uint32
}

// HardwareOps is the IOMMU register-level collaborator (§6). All MMIO
// access, IRQ allocation, and invalidation-queue submission live here;
// the core only calls through this interface.
type HardwareOps interface {
	Capabilities(unit IOMMUUnit, device DeviceHandle) (DeviceCapabilities, error)

	ProgramPASIDEntry(unit IOMMUUnit, device DeviceHandle, p PASID, cfg PASIDEntryConfig) error
	ClearPASIDEntry(unit IOMMUUnit, device DeviceHandle, p PASID) error

	// SubmitInvalidation posts batch as a single invalidation-queue
	// submission. If drainWait is set, the call blocks until the
	// hardware signals completion of the fenced wait.
	SubmitInvalidation(unit IOMMUUnit, batch []InvalidationDescriptor, drainWait bool) error

	// PRQ ring access (§4.3/§4.4): head/tail registers, pending
	// interrupt and overflow latches, and the "pending response
	// outstanding" status bit polled during drain phase 2.
	ReadPRQIndices(unit IOMMUUnit) (head, tail uint32, err error)
	WritePRQHead(unit IOMMUUnit, head uint32) error
	ReadPRQRing(unit IOMMUUnit, index uint32) ([prq.DescriptorSize]byte, error)
	RingSize(unit IOMMUUnit) uint32
	ClearPendingInterrupt(unit IOMMUUnit) error
	PRQOverflowed(unit IOMMUUnit) (bool, error)
	ClearPRQOverflow(unit IOMMUUnit) error
	PendingResponseOutstanding(unit IOMMUUnit) (bool, error)

	// PostPageGroupResponse posts resp on unit's invalidation queue
	// (§6 page-group response descriptor; §4.3 step 3e).
	PostPageGroupResponse(unit IOMMUUnit, resp prq.PageGroupResponse) error

	// RegisterThreadedInterrupt arranges for handler to be invoked,
	// once per posted interrupt, on a dedicated thread (§4.3: "Runs
	// as a threaded interrupt handler, one per IOMMU unit"). IRQ
	// allocation itself is out of scope (§1); the core only supplies
	// the handler.
	RegisterThreadedInterrupt(unit IOMMUUnit, handler func()) (unregister func(), err error)
}

// FaultEvent is the payload handed to the generic fault dispatcher for
// guest-mode faults (§4.3 step 3c, §6).
type FaultEvent struct {
	Device      DeviceHandle
	PASID       PASID
	Descriptor  prq.Descriptor
}

// FaultDispatcher is the generic IOMMU core's fault-event surface
// (§6), used only for GUEST_NESTED bindings: host-mode faults are
// resolved in-process by the fault resolver (C2) instead.
type FaultDispatcher interface {
	ReportDeviceFault(device DeviceHandle, event FaultEvent) error
	PageResponse(unit IOMMUUnit, event FaultEvent, msg prq.PageGroupResponse) error
}

// PASIDAllocator is the external PASID-number authority (§6). The
// coordinator allocates host PASIDs, and guest PASIDs the domain does
// not pre-assign, through Alloc, and calls Put on a binding's PASID
// when the binding is destroyed. It never calls Get: no reference is
// taken on a PASID the coordinator did not allocate.
type PASIDAllocator interface {
	Alloc(set PASIDSet, min, max PASID, cookie any) (PASID, bool)
	Get(set PASIDSet, p PASID) bool
	Put(set PASIDSet, p PASID)
	AttachData(set PASIDSet, p PASID, b *Binding)
	DetachData(set PASIDSet, p PASID)
	Find(set PASIDSet, p PASID) (*Binding, bool)

	// OnFree registers fn to be called when an external actor frees
	// a PASID still carrying attached data (§4.7). It returns a
	// cancel func.
	OnFree(fn func(set PASIDSet, p PASID)) (cancel func())
}

// GuestDescriptor is the vendor-specific descriptor a guest-mode bind
// supplies (§4.2 guest-mode step 1/4, §6 GUEST_PASID_VALID /
// HPASID_DEFAULT). The two flags are independent: GuestPASIDValid
// says the guest_pasid field itself is meaningful (used to key reuse
// across devices sharing one guest binding); HPASIDDefault says to
// resolve the *host* PASID from the domain's pre-assigned value
// instead of allocating one, regardless of whether GuestPASIDValid is
// also set.
type GuestDescriptor struct {
	GuestPASID      PASID
	GuestPASIDValid bool
	HPASIDDefault   bool
	PageTableRoot   uint64
	AddressWidth    uint8
	AttributeBits   uint8
	Reserved        uint32 // must be zero
}

// Domain is the guest-mode collaborator representing a second-level
// (VFIO-style) translation domain (§4.2 guest-mode, §6
// HPASID_DEFAULT).
type Domain interface {
	ID() uint32
	RequireFullPASIDWidth() bool
	FaultDataRequired() bool
	DefaultHostPASID() (PASID, bool)
	InstallFaultData(device DeviceHandle, p PASID) error
	RemoveFaultData(device DeviceHandle, p PASID) error
}

// StatsRecorder is optional operational instrumentation (§2 C8),
// mirroring fuse.LatencyMap: attaching one has no effect on
// correctness.
type StatsRecorder interface {
	Record(op string, d time.Duration)
}
