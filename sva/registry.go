package sva

import "sync"

// registry is C5: the (PASID → Binding) and reverse (address-space →
// Binding) relations. All mutating operations are serialised under
// mu; lookups that only read the map may also take mu briefly, but
// never hold it across hardware waits (§5).
type registry struct {
	mu sync.Mutex

	host  map[PASID]*Binding
	guest map[PASID]*Binding

	// byAddressSpace speeds up host-mode bind's "does a Binding
	// already exist for this address space" search (§4.2 step 2).
	// An implementation choice named in §9 Design Notes. The single
	// HOST_SUPERVISOR binding is keyed under a nil AddressSpace.
	byAddressSpace map[AddressSpace]*Binding

	// byGuestPASID mirrors byAddressSpace for guest-mode bind's
	// "allocate (or reuse) B with guest_pasid = g.guest_pasid"
	// search (§4.2 guest-mode step 3).
	byGuestPASID map[PASID]*Binding

	// byHostDevice tracks which host-mode Binding (HOST_USER or
	// HOST_SUPERVISOR) currently claims a device, so Bind can decide
	// "already bound, same flavour" (ErrAlready) from "already bound,
	// other flavour" (ErrConflictMode, §9 Open Question #1) without
	// scanning every host Binding's device set.
	byHostDevice map[DeviceHandle]*Binding
}

func newRegistry() *registry {
	return &registry{
		host:           make(map[PASID]*Binding),
		guest:          make(map[PASID]*Binding),
		byAddressSpace: make(map[AddressSpace]*Binding),
		byGuestPASID:   make(map[PASID]*Binding),
		byHostDevice:   make(map[DeviceHandle]*Binding),
	}
}

func setFor(r *registry, set PASIDSet) map[PASID]*Binding {
	if set == PASIDSetGuest {
		return r.guest
	}
	return r.host
}

// find is §4.1 find: O(1) lookup scoped to a PASID set.
func (r *registry) find(pasid PASID, set PASIDSet) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(pasid, set)
}

func (r *registry) findByAddressSpace(a AddressSpace) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByAddressSpaceLocked(a)
}

func (r *registry) findByGuestPASID(g PASID) (*Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findByGuestPASIDLocked(g)
}

// The Locked variants below assume the caller already holds r.mu —
// either via one of the exported lookups above, or via withLock. r.mu
// is a plain sync.Mutex, not reentrant, so bind/unbind code running
// inside a withLock closure must call these, never the locking
// wrappers, to avoid self-deadlock.

func (r *registry) findLocked(pasid PASID, set PASIDSet) (*Binding, bool) {
	if pasid >= PASIDMax {
		return nil, false
	}
	b, ok := setFor(r, set)[pasid]
	return b, ok
}

func (r *registry) findByAddressSpaceLocked(a AddressSpace) (*Binding, bool) {
	b, ok := r.byAddressSpace[a]
	return b, ok
}

func (r *registry) findByGuestPASIDLocked(g PASID) (*Binding, bool) {
	b, ok := r.byGuestPASID[g]
	return b, ok
}

func (r *registry) findHostDeviceLocked(d DeviceHandle) (*Binding, bool) {
	b, ok := r.byHostDevice[d]
	return b, ok
}

func (r *registry) trackHostDeviceLocked(d DeviceHandle, b *Binding) {
	r.byHostDevice[d] = b
}

func (r *registry) untrackHostDeviceLocked(d DeviceHandle) {
	delete(r.byHostDevice, d)
}

// insert is §4.1 insert. Callers hold r.mu via withLock.
func (r *registry) insert(b *Binding) {
	setFor(r, b.Set)[b.PASID] = b
	if b.AddressSpace != nil || b.Mode == ModeHostSupervisor {
		r.byAddressSpace[b.AddressSpace] = b
	}
	if b.HasGuestPASID {
		r.byGuestPASID[b.GuestPASID] = b
	}
}

// remove is §4.1 remove. Callers hold r.mu via withLock.
func (r *registry) remove(b *Binding) {
	delete(setFor(r, b.Set), b.PASID)
	if b.AddressSpace != nil || b.Mode == ModeHostSupervisor {
		delete(r.byAddressSpace, b.AddressSpace)
	}
	if b.HasGuestPASID {
		delete(r.byGuestPASID, b.GuestPASID)
	}
}

// withLock runs fn with the registry mutex held, for callers (bind,
// unbind, the C7 worker) that need several registry operations to be
// atomic with respect to each other and to PRQ lookups.
func (r *registry) withLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}
