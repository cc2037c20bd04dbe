package sva

import "testing"

func TestRegistryInsertFindRemove(t *testing.T) {
	r := newRegistry()
	as := &fakeAddressSpaceKey{}
	b := &Binding{PASID: 5, Set: PASIDSetHost, AddressSpace: as}

	r.withLock(func() { r.insert(b) })

	if got, ok := r.find(5, PASIDSetHost); !ok || got != b {
		t.Fatalf("find(5, host) = %v, %v, want %v, true", got, ok, b)
	}
	if _, ok := r.find(5, PASIDSetGuest); ok {
		t.Errorf("find(5, guest) unexpectedly found a binding from the host set")
	}
	if got, ok := r.findByAddressSpace(as); !ok || got != b {
		t.Fatalf("findByAddressSpace = %v, %v, want %v, true", got, ok, b)
	}

	r.withLock(func() { r.remove(b) })

	if _, ok := r.find(5, PASIDSetHost); ok {
		t.Errorf("expected binding to be gone after remove")
	}
	if _, ok := r.findByAddressSpace(as); ok {
		t.Errorf("expected address-space index entry to be gone after remove")
	}
}

func TestRegistryGuestPASIDIndex(t *testing.T) {
	r := newRegistry()
	b := &Binding{PASID: 100, Set: PASIDSetGuest, GuestPASID: 9, HasGuestPASID: true}

	r.withLock(func() { r.insert(b) })

	if got, ok := r.findByGuestPASID(9); !ok || got != b {
		t.Fatalf("findByGuestPASID(9) = %v, %v, want %v, true", got, ok, b)
	}

	r.withLock(func() { r.remove(b) })

	if _, ok := r.findByGuestPASID(9); ok {
		t.Errorf("expected guest-pasid index entry to be gone after remove")
	}
}

func TestRegistryHostDeviceIndex(t *testing.T) {
	r := newRegistry()
	b := &Binding{PASID: 1, Set: PASIDSetHost}

	r.withLock(func() { r.trackHostDeviceLocked("dev0", b) })

	if got, ok := r.findHostDeviceLocked("dev0"); !ok || got != b {
		t.Fatalf("findHostDeviceLocked = %v, %v, want %v, true", got, ok, b)
	}

	r.withLock(func() { r.untrackHostDeviceLocked("dev0") })

	if _, ok := r.findHostDeviceLocked("dev0"); ok {
		t.Errorf("expected host-device index entry to be gone after untrack")
	}
}

func TestFindRejectsOutOfRangePASID(t *testing.T) {
	r := newRegistry()
	if _, ok := r.find(PASIDMax, PASIDSetHost); ok {
		t.Errorf("find(PASIDMax) should reject a PASID at the boundary")
	}
}

// fakeAddressSpaceKey is a minimal AddressSpace used only as a
// comparable map key in registry tests; its methods are never called.
type fakeAddressSpaceKey struct{}

func (f *fakeAddressSpaceKey) TakeReferenceIfLive() (func(), bool) { return func() {}, true }
func (f *fakeAddressSpaceKey) LookupRegion(addr uint64) (Region, func(), bool) {
	return Region{}, func() {}, false
}
func (f *fakeAddressSpaceKey) FaultIn(addr uint64, flags FaultFlags) error   { return nil }
func (f *fakeAddressSpaceKey) AttachObserver(o AddressSpaceObserver) error   { return nil }
func (f *fakeAddressSpaceKey) DetachObserver(o AddressSpaceObserver)        {}
func (f *fakeAddressSpaceKey) SetPASID(p PASID)                            {}
