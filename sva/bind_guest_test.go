package sva

import (
	"testing"

	"github.com/iommu-sva/sva/internal/fakehw"
)

func TestBindGuestAllocatesFreshPASIDAndInstallsFaultData(t *testing.T) {
	s, alloc, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true, FullPASIDWidth: true})
	dom := fakehw.NewDomain(1).WithFaultDataRequired(true)

	desc := GuestDescriptor{PageTableRoot: 0x1000, AddressWidth: 48}
	b, err := s.BindGuest("unit0", "dev0", dom, desc)
	if err != nil {
		t.Fatalf("BindGuest: %v", err)
	}
	if b.Mode != ModeGuestNested {
		t.Errorf("mode = %v, want guest-nested", b.Mode)
	}
	if !alloc.Get(PASIDSetGuest, b.PASID) {
		t.Errorf("expected pasid %d to be taken in the guest set", b.PASID)
	}
	if !dom.FaultDataInstalled("dev0") {
		t.Errorf("expected fault data to be installed for dev0")
	}
}

func TestBindGuestHonoursHPASIDDefault(t *testing.T) {
	s, alloc, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true, FullPASIDWidth: true})
	dom := fakehw.NewDomain(1).WithDefaultHostPASID(42)

	desc := GuestDescriptor{PageTableRoot: 0x1000, AddressWidth: 48, HPASIDDefault: true}
	b, err := s.BindGuest("unit0", "dev0", dom, desc)
	if err != nil {
		t.Fatalf("BindGuest: %v", err)
	}
	if b.PASID != 42 {
		t.Errorf("pasid = %d, want the domain's default host pasid 42", b.PASID)
	}
	// HPASID_DEFAULT borrows the domain's own PASID rather than
	// taking a fresh allocator reference.
	if alloc.Get(PASIDSetGuest, 42) {
		t.Errorf("expected no fresh allocator reference for a borrowed default host pasid")
	}
}

func TestBindGuestSecondDeviceReusesSameGuestPASID(t *testing.T) {
	s, alloc, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true, FullPASIDWidth: true})
	hw.SetCapabilities("unit0", "dev1", DeviceCapabilities{PASIDCapable: true, FullPASIDWidth: true})
	dom := fakehw.NewDomain(1).WithFaultDataRequired(true)

	desc := GuestDescriptor{PageTableRoot: 0x1000, AddressWidth: 48, GuestPASIDValid: true, GuestPASID: 9}
	b1, err := s.BindGuest("unit0", "dev0", dom, desc)
	if err != nil {
		t.Fatalf("first BindGuest: %v", err)
	}
	b2, err := s.BindGuest("unit0", "dev1", dom, desc)
	if err != nil {
		t.Fatalf("second BindGuest: %v", err)
	}
	if b1 != b2 {
		t.Errorf("expected both devices to land on the same guest binding")
	}
	if b2.deviceCount() != 2 {
		t.Errorf("deviceCount = %d, want 2", b2.deviceCount())
	}
	if got := alloc.Get(PASIDSetGuest, b1.PASID); !got {
		t.Errorf("expected guest pasid %d to remain allocated", b1.PASID)
	}
}

// TestBindGuestConflictDoesNotRollBackReusedBinding is the regression
// test for the bug where BindGuest's failure path released a reused
// binding's PASID reference and fault data, even though this call
// never took them.
func TestBindGuestConflictDoesNotRollBackReusedBinding(t *testing.T) {
	s, alloc, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true, FullPASIDWidth: true})
	dom := fakehw.NewDomain(1).WithFaultDataRequired(true)

	desc := GuestDescriptor{PageTableRoot: 0x1000, AddressWidth: 48, GuestPASIDValid: true, GuestPASID: 3}
	b, err := s.BindGuest("unit0", "dev0", dom, desc)
	if err != nil {
		t.Fatalf("first BindGuest: %v", err)
	}

	// Rebinding the same (device, guest pasid) pair is a conflict...
	if _, err := s.BindGuest("unit0", "dev0", dom, desc); !IsKind(err, KindConflict) {
		t.Fatalf("duplicate BindGuest = %v, want KindConflict", err)
	}

	// ...but must not have torn down the PASID reference or fault
	// data the first, successful call installed.
	if !alloc.Get(PASIDSetGuest, b.PASID) {
		t.Errorf("conflict rollback incorrectly released pasid %d", b.PASID)
	}
	if !dom.FaultDataInstalled("dev0") {
		t.Errorf("conflict rollback incorrectly removed fault data for dev0")
	}
}

func TestUnbindGuestDrainsAndRemovesFaultData(t *testing.T) {
	s, alloc, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true, FullPASIDWidth: true})
	dom := fakehw.NewDomain(1).WithFaultDataRequired(true)

	desc := GuestDescriptor{PageTableRoot: 0x1000, AddressWidth: 48}
	b, err := s.BindGuest("unit0", "dev0", dom, desc)
	if err != nil {
		t.Fatalf("BindGuest: %v", err)
	}

	if err := s.UnbindGuest(dom, "dev0", b.PASID, 0); err != nil {
		t.Fatalf("UnbindGuest: %v", err)
	}
	if alloc.Get(PASIDSetGuest, b.PASID) {
		t.Errorf("expected pasid %d to be released", b.PASID)
	}
	if dom.FaultDataInstalled("dev0") {
		t.Errorf("expected fault data to be removed for dev0")
	}
	if _, _, ok := hw.EntryProgrammed("unit0", "dev0"); ok {
		t.Errorf("expected PASID entry to be cleared")
	}
}
