// Package sva implements Shared Virtual Addressing: binding
// DMA-capable devices to the page tables of host or guest address
// spaces via PASID-tagged requests, and resolving the page faults
// those devices raise against the bound address space.
package sva

import "sync"

// PASID is a Process Address Space ID. Hardware carries it in 20
// bits; valid values are [0, PASIDMax).
type PASID uint32

// PASIDMax is one past the largest representable PASID (20 bits).
const PASIDMax PASID = 1 << 20

// ReservedPASID is reserved for reverse-RID mapping and is never
// allocated to a binding.
const ReservedPASID PASID = 0

// PASIDSet names an allocator namespace. Host-mode and guest-mode
// bindings live in different sets (§9 Design Notes).
type PASIDSet int

const (
	PASIDSetHost PASIDSet = iota
	PASIDSetGuest
)

// Mode distinguishes the three binding flavours of §3.
type Mode int

const (
	ModeHostUser Mode = iota
	ModeHostSupervisor
	ModeGuestNested
)

func (m Mode) String() string {
	switch m {
	case ModeHostUser:
		return "host-user"
	case ModeHostSupervisor:
		return "host-supervisor"
	case ModeGuestNested:
		return "guest-nested"
	default:
		return "unknown-mode"
	}
}

// Flags are bind-time configuration bits (§6 configuration options).
type Flags uint32

const (
	FlagSupervisor Flags = 1 << iota
	FlagGuestMode
	FlagGuestPASIDValid
	FlagHPASIDDefault
	FlagPaging5Level
	Flag1GiBPages
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// bindingState is the lifecycle of a Binding (§4.2): LIVE while
// serving faults, DRAINING while its last device is being torn down,
// FREED once removed from the registry. Transitions are one-way.
type bindingState int

const (
	stateLive bindingState = iota
	stateDraining
	stateFreed
)

// Binding is the (PASID → address-space) association of §3. Binding
// owns its device set and, for host-mode bindings, the attached
// address-space observer.
type Binding struct {
	PASID       PASID
	Set         PASIDSet
	Mode        Mode
	AddressSpace AddressSpace // nil for GUEST_NESTED and HOST_SUPERVISOR
	GuestPASID  PASID
	HasGuestPASID bool
	Flags       Flags

	// devMu guards Devices. Mutators (Bind, Unbind, the C7 cleanup
	// worker) take the write side and replace Devices with a fresh
	// slice rather than editing it in place; readers (the PRQ
	// reader, the address-space observer) take the read side only
	// to load the current slice, then walk that snapshot without
	// the lock. This is
	// the reader-writer-lock option spec §9 names as an
	// acceptable alternative to hazard-pointer reclamation.
	devMu   sync.RWMutex
	Devices []*deviceBinding

	observerAttached bool
	obs              AddressSpaceObserver

	stateMu sync.Mutex
	state   bindingState
}

// deviceBinding is a single (device, binding) edge (D in §3).
type deviceBinding struct {
	Device       DeviceHandle
	SourceID     uint16
	Unit         IOMMUUnit
	DomainID     uint32
	DeviceTLBDepth uint16
	PFSID        uint32
	deviceTLBEnabled bool

	// Dom is set only for GUEST_NESTED device-bindings: it lets the
	// C7 notifier delete per-device fault-routing data after the
	// registry mutex is released (§4.7 step 4), without every
	// deviceBinding needing to carry one.
	Dom Domain

	// usage counts the binds holding this device-binding. Every
	// bind sets it to 1 and nothing raises it further, so the first
	// unbind of the device drops it to 0 and removes the edge.
	usage int
}

// devicesSnapshot returns the current device list without allocating
// a defensive copy on the hot path: callers must not mutate the
// returned slice, and must not retain it past the read section.
func (b *Binding) devicesSnapshot() []*deviceBinding {
	b.devMu.RLock()
	defer b.devMu.RUnlock()
	return b.Devices
}

// findDeviceLocked requires devMu to be held (read or write).
func (b *Binding) findDeviceLocked(d DeviceHandle) *deviceBinding {
	for _, db := range b.Devices {
		if db.Device == d {
			return db
		}
	}
	return nil
}

// FindDevice implements the concurrent-safe traversal of §4.1
// find_device: it never holds the registry mutex.
func (b *Binding) FindDevice(d DeviceHandle) (*deviceBinding, bool) {
	b.devMu.RLock()
	defer b.devMu.RUnlock()
	db := b.findDeviceLocked(d)
	return db, db != nil
}

// insertDevice appends db under the write lock, copying the backing
// array so any reader mid-traversal keeps seeing the old slice.
func (b *Binding) insertDevice(db *deviceBinding) {
	b.devMu.Lock()
	defer b.devMu.Unlock()
	next := make([]*deviceBinding, len(b.Devices)+1)
	copy(next, b.Devices)
	next[len(b.Devices)] = db
	b.Devices = next
}

// removeDevice drops db from the set and reports whether the set is
// now empty (the signal to destroy the Binding, per I1).
func (b *Binding) removeDevice(d DeviceHandle) (removed bool, empty bool) {
	b.devMu.Lock()
	defer b.devMu.Unlock()
	for i, db := range b.Devices {
		if db.Device == d {
			next := make([]*deviceBinding, 0, len(b.Devices)-1)
			next = append(next, b.Devices[:i]...)
			next = append(next, b.Devices[i+1:]...)
			b.Devices = next
			return true, len(next) == 0
		}
	}
	return false, len(b.Devices) == 0
}

func (b *Binding) deviceCount() int {
	b.devMu.RLock()
	defer b.devMu.RUnlock()
	return len(b.Devices)
}

func (b *Binding) setState(s bindingState) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

func (b *Binding) getState() bindingState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// draining reports whether C3 has begun (and possibly finished)
// tearing down the binding's last device: I6 requires fault
// resolution to refuse once this is true.
func (b *Binding) draining() bool {
	s := b.getState()
	return s == stateDraining || s == stateFreed
}
