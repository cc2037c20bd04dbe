// Package fakehw provides in-memory test doubles for every external
// collaborator interface sva declares in api.go: a PASID allocator, a
// register-level HardwareOps, an AddressSpace, a FaultDispatcher and a
// Domain. They exist so sva's own tests can drive bind/unbind/fault
// scenarios without real IOMMU hardware, the way the teacher's
// internal/testutil package backs its loopback/passthrough tests with
// an in-memory filesystem instead of a real kernel mount.
package fakehw

import (
	"sync"

	"github.com/iommu-sva/sva/prq"
	"github.com/iommu-sva/sva/sva"
)

// Allocator is an in-memory sva.PASIDAllocator. It hands out
// sequential PASIDs per set and tracks attached Binding data so tests
// can assert on it directly.
type Allocator struct {
	mu       sync.Mutex
	next     map[sva.PASIDSet]sva.PASID
	taken    map[sva.PASIDSet]map[sva.PASID]bool
	data     map[sva.PASIDSet]map[sva.PASID]*sva.Binding
	freeSubs []func(set sva.PASIDSet, p sva.PASID)
}

func NewAllocator() *Allocator {
	return &Allocator{
		next:  map[sva.PASIDSet]sva.PASID{},
		taken: map[sva.PASIDSet]map[sva.PASID]bool{},
		data:  map[sva.PASIDSet]map[sva.PASID]*sva.Binding{},
	}
}

func (a *Allocator) takenSet(set sva.PASIDSet) map[sva.PASID]bool {
	m, ok := a.taken[set]
	if !ok {
		m = map[sva.PASID]bool{}
		a.taken[set] = m
	}
	return m
}

func (a *Allocator) dataSet(set sva.PASIDSet) map[sva.PASID]*sva.Binding {
	m, ok := a.data[set]
	if !ok {
		m = map[sva.PASID]*sva.Binding{}
		a.data[set] = m
	}
	return m
}

func (a *Allocator) Alloc(set sva.PASIDSet, min, max sva.PASID, cookie any) (sva.PASID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken := a.takenSet(set)
	start := a.next[set]
	if start < min {
		start = min
	}
	for p := start; p < max; p++ {
		if !taken[p] {
			taken[p] = true
			a.next[set] = p + 1
			return p, true
		}
	}
	return 0, false
}

func (a *Allocator) Get(set sva.PASIDSet, p sva.PASID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takenSet(set)[p]
}

// Put releases p and drops any data attached to it. It does not
// notify OnFree subscribers — tests that want to exercise C7 call
// FreeExternally instead, which is closer to "an outside actor freed
// this PASID while a binding still existed".
func (a *Allocator) Put(set sva.PASIDSet, p sva.PASID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.takenSet(set), p)
	delete(a.dataSet(set), p)
}

func (a *Allocator) AttachData(set sva.PASIDSet, p sva.PASID, b *sva.Binding) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dataSet(set)[p] = b
}

func (a *Allocator) DetachData(set sva.PASIDSet, p sva.PASID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.dataSet(set), p)
}

func (a *Allocator) Find(set sva.PASIDSet, p sva.PASID) (*sva.Binding, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.dataSet(set)[p]
	return b, ok
}

func (a *Allocator) OnFree(fn func(set sva.PASIDSet, p sva.PASID)) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := len(a.freeSubs)
	a.freeSubs = append(a.freeSubs, fn)
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.freeSubs[idx] = nil
	}
}

// FreeExternally simulates S6: an outside actor releases p while
// sva still has a Binding attached to it, without going through
// Subsystem.Unbind*. It fires every live OnFree subscriber.
func (a *Allocator) FreeExternally(set sva.PASIDSet, p sva.PASID) {
	a.mu.Lock()
	subs := append([]func(set sva.PASIDSet, p sva.PASID){}, a.freeSubs...)
	a.mu.Unlock()

	for _, fn := range subs {
		if fn != nil {
			fn(set, p)
		}
	}
}

// pasidEntry records one ProgramPASIDEntry/ClearPASIDEntry call pair's
// current state for a (unit, device) pair.
type pasidEntry struct {
	programmed bool
	cfg        sva.PASIDEntryConfig
	pasid      sva.PASID
}

// HardwareOps is an in-memory sva.HardwareOps backed by a slice-based
// PRQ ring per unit and a map of programmed PASID entries.
type HardwareOps struct {
	mu sync.Mutex

	caps map[unitDevice]sva.DeviceCapabilities

	entries map[unitDevice]*pasidEntry

	rings          map[any][][prq.DescriptorSize]byte
	head, tail     map[any]uint32
	overflow       map[any]bool
	interrupts     map[any]func()
	pendingResp    map[any]bool
	afterWriteHead map[any]func()
	programCalls   int

	Invalidations []InvalidationCall
	Responses     []ResponseCall
}

type unitDevice struct {
	unit   any
	device any
}

type InvalidationCall struct {
	Unit      any
	Batch     []sva.InvalidationDescriptor
	DrainWait bool
}

type ResponseCall struct {
	Unit any
	Resp prq.PageGroupResponse
}

func NewHardwareOps() *HardwareOps {
	return &HardwareOps{
		caps:        map[unitDevice]sva.DeviceCapabilities{},
		entries:     map[unitDevice]*pasidEntry{},
		rings:       map[any][][prq.DescriptorSize]byte{},
		head:        map[any]uint32{},
		tail:        map[any]uint32{},
		overflow:    map[any]bool{},
		interrupts:  map[any]func(){},
		pendingResp: map[any]bool{},
	}
}

// SetCapabilities configures what Capabilities returns for (unit,
// device); tests call this before Bind/BindGuest.
func (h *HardwareOps) SetCapabilities(unit, device any, caps sva.DeviceCapabilities) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.caps[unitDevice{unit, device}] = caps
}

func (h *HardwareOps) Capabilities(unit sva.IOMMUUnit, device sva.DeviceHandle) (sva.DeviceCapabilities, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps[unitDevice{unit, device}], nil
}

func (h *HardwareOps) ProgramPASIDEntry(unit sva.IOMMUUnit, device sva.DeviceHandle, p sva.PASID, cfg sva.PASIDEntryConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[unitDevice{unit, device}] = &pasidEntry{programmed: true, cfg: cfg, pasid: p}
	h.programCalls++
	return nil
}

// ProgramCalls reports how many times ProgramPASIDEntry has been
// invoked across every (unit, device), so a test can assert a
// rejected duplicate bind never reached hardware programming.
func (h *HardwareOps) ProgramCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.programCalls
}

func (h *HardwareOps) ClearPASIDEntry(unit sva.IOMMUUnit, device sva.DeviceHandle, p sva.PASID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, unitDevice{unit, device})
	return nil
}

// EntryProgrammed reports whether (unit, device) currently carries a
// programmed PASID entry, and with what PASID/config.
func (h *HardwareOps) EntryProgrammed(unit, device any) (sva.PASIDEntryConfig, sva.PASID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[unitDevice{unit, device}]
	if !ok {
		return sva.PASIDEntryConfig{}, 0, false
	}
	return e.cfg, e.pasid, true
}

func (h *HardwareOps) SubmitInvalidation(unit sva.IOMMUUnit, batch []sva.InvalidationDescriptor, drainWait bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Invalidations = append(h.Invalidations, InvalidationCall{Unit: unit, Batch: batch, DrainWait: drainWait})
	return nil
}

// PushDescriptor appends a raw ring entry at the current tail for
// unit, advancing tail. Tests use this to simulate hardware posting a
// page request.
func (h *HardwareOps) PushDescriptor(unit any, d prq.Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rings[unit] = append(h.rings[unit], prq.Encode(d))
	h.tail[unit] = uint32(len(h.rings[unit]))
}

func (h *HardwareOps) ReadPRQIndices(unit sva.IOMMUUnit) (uint32, uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head[unit], h.tail[unit], nil
}

func (h *HardwareOps) WritePRQHead(unit sva.IOMMUUnit, head uint32) error {
	h.mu.Lock()
	cb := h.afterWriteHead[unit]
	h.head[unit] = head
	h.mu.Unlock()
	// Simulates a concurrent hardware producer posting a new
	// descriptor between the reader publishing head and its own
	// subsequent re-read of tail for the overflow check (§4.3 step 5).
	if cb != nil {
		cb()
	}
	return nil
}

// OnceAfterWriteHead arranges for fn to run the next time WritePRQHead
// is called for unit, then clears itself. Tests use this to simulate
// a fresh descriptor landing in the gap between the reader's head
// publish and its overflow re-check.
func (h *HardwareOps) OnceAfterWriteHead(unit any, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.afterWriteHead == nil {
		h.afterWriteHead = map[any]func(){}
	}
	h.afterWriteHead[unit] = func() {
		h.mu.Lock()
		delete(h.afterWriteHead, unit)
		h.mu.Unlock()
		fn()
	}
}

func (h *HardwareOps) ReadPRQRing(unit sva.IOMMUUnit, index uint32) ([prq.DescriptorSize]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := h.rings[unit]
	if int(index) >= len(ring) {
		var zero [prq.DescriptorSize]byte
		return zero, nil
	}
	return ring[index], nil
}

// RingSize reports a size large enough to index every pushed
// descriptor; the fake never wraps, unlike real hardware, since tests
// only need to exercise the reader's head..tail walk, not ring
// wraparound arithmetic.
func (h *HardwareOps) RingSize(unit sva.IOMMUUnit) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := uint32(len(h.rings[unit]))
	if n == 0 {
		return 1
	}
	return n + 1
}

func (h *HardwareOps) ClearPendingInterrupt(unit sva.IOMMUUnit) error {
	return nil
}

func (h *HardwareOps) PRQOverflowed(unit sva.IOMMUUnit) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.overflow[unit], nil
}

// SetOverflow lets a test simulate the hardware's PRQ-overflow status
// bit becoming set, independent of how many descriptors are queued.
func (h *HardwareOps) SetOverflow(unit any, v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overflow[unit] = v
}

func (h *HardwareOps) ClearPRQOverflow(unit sva.IOMMUUnit) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overflow[unit] = false
	return nil
}

// SetPendingResponseOutstanding lets a test simulate an in-flight
// hardware response so Drain's phase 2 has to poll more than once.
func (h *HardwareOps) SetPendingResponseOutstanding(unit any, v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingResp[unit] = v
}

func (h *HardwareOps) PendingResponseOutstanding(unit sva.IOMMUUnit) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pendingResp[unit], nil
}

func (h *HardwareOps) PostPageGroupResponse(unit sva.IOMMUUnit, resp prq.PageGroupResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Responses = append(h.Responses, ResponseCall{Unit: unit, Resp: resp})
	return nil
}

// RegisterThreadedInterrupt records handler so a test can invoke it
// directly (FireInterrupt) instead of relying on a real IRQ thread.
func (h *HardwareOps) RegisterThreadedInterrupt(unit sva.IOMMUUnit, handler func()) (func(), error) {
	h.mu.Lock()
	h.interrupts[unit] = handler
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.interrupts, unit)
	}, nil
}

// FireInterrupt synchronously invokes unit's registered handler, the
// way a real threaded interrupt handler would run after hardware
// posts one.
func (h *HardwareOps) FireInterrupt(unit any) {
	h.mu.Lock()
	fn := h.interrupts[unit]
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// AddressSpace is an in-memory sva.AddressSpace: a flat list of
// regions, a live/released flag, and a FaultIn call log.
type AddressSpace struct {
	mu       sync.Mutex
	regions  []sva.Region
	live     bool
	observer sva.AddressSpaceObserver
	pasid    sva.PASID

	FaultCalls []FaultCall
}

type FaultCall struct {
	Addr  uint64
	Flags sva.FaultFlags
}

func NewAddressSpace(regions ...sva.Region) *AddressSpace {
	return &AddressSpace{regions: regions, live: true}
}

func (a *AddressSpace) TakeReferenceIfLive() (func(), bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live {
		return func() {}, false
	}
	return func() {}, true
}

func (a *AddressSpace) LookupRegion(addr uint64) (sva.Region, func(), bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if r.Lo <= addr && addr < r.Hi {
			return r, func() {}, true
		}
		if r.Growable && addr < r.Lo {
			return r, func() {}, true
		}
	}
	return sva.Region{}, func() {}, false
}

func (a *AddressSpace) FaultIn(addr uint64, flags sva.FaultFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.FaultCalls = append(a.FaultCalls, FaultCall{Addr: addr, Flags: flags})
	return nil
}

func (a *AddressSpace) AttachObserver(o sva.AddressSpaceObserver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observer = o
	return nil
}

func (a *AddressSpace) DetachObserver(o sva.AddressSpaceObserver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.observer == o {
		a.observer = nil
	}
}

func (a *AddressSpace) SetPASID(p sva.PASID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pasid = p
}

// Invalidate simulates the address space dropping mappings in
// [start, end), notifying the attached observer exactly the way a
// real address space's unmap path would (§4.6 range_invalidated).
func (a *AddressSpace) Invalidate(start, end uint64) {
	a.mu.Lock()
	o := a.observer
	a.mu.Unlock()
	if o != nil {
		o.RangeInvalidated(start, end)
	}
}

// Release simulates the address space exiting (§4.6
// address_space_released): mark it dead and notify the observer.
func (a *AddressSpace) Release() {
	a.mu.Lock()
	a.live = false
	o := a.observer
	a.mu.Unlock()
	if o != nil {
		o.Released()
	}
}

// FaultDispatcher is an in-memory sva.FaultDispatcher recording every
// reported guest-mode fault and page-group response.
type FaultDispatcher struct {
	mu        sync.Mutex
	Faults    []sva.FaultEvent
	Responses []prq.PageGroupResponse
}

func NewFaultDispatcher() *FaultDispatcher { return &FaultDispatcher{} }

func (f *FaultDispatcher) ReportDeviceFault(device sva.DeviceHandle, event sva.FaultEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Faults = append(f.Faults, event)
	return nil
}

func (f *FaultDispatcher) PageResponse(unit sva.IOMMUUnit, event sva.FaultEvent, msg prq.PageGroupResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, msg)
	return nil
}

// Domain is an in-memory sva.Domain for GUEST_NESTED binds.
type Domain struct {
	mu protectedDomainState

	id                    uint32
	requireFullPASIDWidth bool
	faultDataRequired     bool
	defaultHostPASID      sva.PASID
	hasDefaultHostPASID   bool
}

type protectedDomainState struct {
	sync.Mutex
	installed map[sva.DeviceHandle]sva.PASID
}

func NewDomain(id uint32) *Domain {
	return &Domain{
		id: id,
		mu: protectedDomainState{installed: map[sva.DeviceHandle]sva.PASID{}},
	}
}

func (d *Domain) WithFullPASIDWidth(v bool) *Domain { d.requireFullPASIDWidth = v; return d }
func (d *Domain) WithFaultDataRequired(v bool) *Domain {
	d.faultDataRequired = v
	return d
}
func (d *Domain) WithDefaultHostPASID(p sva.PASID) *Domain {
	d.defaultHostPASID = p
	d.hasDefaultHostPASID = true
	return d
}

func (d *Domain) ID() uint32                  { return d.id }
func (d *Domain) RequireFullPASIDWidth() bool { return d.requireFullPASIDWidth }
func (d *Domain) FaultDataRequired() bool     { return d.faultDataRequired }

func (d *Domain) DefaultHostPASID() (sva.PASID, bool) {
	return d.defaultHostPASID, d.hasDefaultHostPASID
}

func (d *Domain) InstallFaultData(device sva.DeviceHandle, p sva.PASID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mu.installed[device] = p
	return nil
}

func (d *Domain) RemoveFaultData(device sva.DeviceHandle, p sva.PASID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mu.installed, device)
	return nil
}

// FaultDataInstalled reports whether InstallFaultData was called for
// device without a matching RemoveFaultData since.
func (d *Domain) FaultDataInstalled(device sva.DeviceHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.mu.installed[device]
	return ok
}
