package sva

import (
	"testing"

	"github.com/iommu-sva/sva/internal/fakehw"
)

func newTestSubsystem(t *testing.T) (*Subsystem, *fakehw.Allocator, *fakehw.HardwareOps, *fakehw.FaultDispatcher) {
	t.Helper()
	alloc := fakehw.NewAllocator()
	hw := fakehw.NewHardwareOps()
	fault := fakehw.NewFaultDispatcher()
	s, err := New(alloc, hw, fault, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, alloc, hw, fault
}

func TestBindHostUserAllocatesPASIDAndProgramsEntry(t *testing.T) {
	s, _, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true})
	as := fakehw.NewAddressSpace(Region{Lo: 0, Hi: 1 << 30, Readable: true, Writable: true})

	b, err := s.Bind("unit0", "dev0", as, 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if b.Mode != ModeHostUser {
		t.Errorf("mode = %v, want host-user", b.Mode)
	}
	if b.PASID == ReservedPASID {
		t.Errorf("got reserved pasid")
	}
	cfg, p, ok := hw.EntryProgrammed("unit0", "dev0")
	if !ok {
		t.Fatalf("expected a programmed PASID entry")
	}
	if p != b.PASID || cfg.Mode != ModeHostUser {
		t.Errorf("programmed entry = %+v pasid=%v, want pasid=%v mode=host-user", cfg, p, b.PASID)
	}
}

func TestBindSupervisorRequiresNilAddressSpace(t *testing.T) {
	s, _, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true, SupervisorCapable: true})
	as := fakehw.NewAddressSpace()

	if _, err := s.Bind("unit0", "dev0", as, FlagSupervisor); !IsKind(err, KindValidation) {
		t.Errorf("Bind(supervisor, non-nil as) = %v, want KindValidation", err)
	}
	if _, err := s.Bind("unit0", "dev0", nil, 0); !IsKind(err, KindValidation) {
		t.Errorf("Bind(non-supervisor, nil as) = %v, want KindValidation", err)
	}
}

func TestBindRejectsDeviceLackingPASIDCapability(t *testing.T) {
	s, _, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: false})
	as := fakehw.NewAddressSpace(Region{Lo: 0, Hi: 1 << 30})

	if _, err := s.Bind("unit0", "dev0", as, 0); !IsKind(err, KindValidation) {
		t.Errorf("Bind on non-PASID-capable device = %v, want KindValidation", err)
	}
}

func TestBindSecondDeviceJoinsSameAddressSpaceBinding(t *testing.T) {
	s, _, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true})
	hw.SetCapabilities("unit0", "dev1", DeviceCapabilities{PASIDCapable: true})
	as := fakehw.NewAddressSpace(Region{Lo: 0, Hi: 1 << 30})

	b1, err := s.Bind("unit0", "dev0", as, 0)
	if err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	b2, err := s.Bind("unit0", "dev1", as, 0)
	if err != nil {
		t.Fatalf("second Bind: %v", err)
	}
	if b1 != b2 {
		t.Errorf("expected the same Binding for two devices on one address space")
	}
	if b2.deviceCount() != 2 {
		t.Errorf("deviceCount = %d, want 2", b2.deviceCount())
	}
}

func TestBindRejectsDuplicateDeviceOnSameAddressSpace(t *testing.T) {
	s, _, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true})
	as := fakehw.NewAddressSpace(Region{Lo: 0, Hi: 1 << 30})

	if _, err := s.Bind("unit0", "dev0", as, 0); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if _, err := s.Bind("unit0", "dev0", as, 0); !IsKind(err, KindConflict) {
		t.Errorf("duplicate Bind = %v, want KindConflict", err)
	}
}

// TestBindRejectsSupervisorUserModeConflict covers Open Question #1:
// a device already bound in one host-mode flavour refuses a bind
// attempt in the other flavour rather than silently reprogramming its
// PASID entry out from under the first binding.
func TestBindRejectsSupervisorUserModeConflict(t *testing.T) {
	s, _, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true, SupervisorCapable: true})
	as := fakehw.NewAddressSpace(Region{Lo: 0, Hi: 1 << 30})

	if _, err := s.Bind("unit0", "dev0", as, 0); err != nil {
		t.Fatalf("user-mode Bind: %v", err)
	}
	if _, err := s.Bind("unit0", "dev0", nil, FlagSupervisor); !IsKind(err, KindValidation) {
		t.Errorf("supervisor Bind on an already user-bound device = %v, want KindValidation", err)
	}
}

// TestBindSupervisorModeSharesOneBindingAcrossDevices covers that
// HOST_SUPERVISOR has no address space of its own: every device bound
// as supervisor shares the one binding that uses the kernel's root
// page table.
func TestBindSupervisorModeSharesOneBindingAcrossDevices(t *testing.T) {
	s, _, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true, SupervisorCapable: true})
	hw.SetCapabilities("unit0", "dev1", DeviceCapabilities{PASIDCapable: true, SupervisorCapable: true})

	b1, err := s.Bind("unit0", "dev0", nil, FlagSupervisor)
	if err != nil {
		t.Fatalf("first supervisor Bind: %v", err)
	}
	b2, err := s.Bind("unit0", "dev1", nil, FlagSupervisor)
	if err != nil {
		t.Fatalf("second supervisor Bind: %v", err)
	}
	if b1 != b2 {
		t.Errorf("expected both devices to share the single supervisor binding")
	}
}

func TestUnbindIsIdempotent(t *testing.T) {
	s, _, _, _ := newTestSubsystem(t)
	if err := s.Unbind(999, "no-such-device"); err != nil {
		t.Errorf("Unbind on unknown pasid = %v, want nil", err)
	}
}

func TestUnbindLastDeviceClearsEntryAndFreesPASID(t *testing.T) {
	s, alloc, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true})
	as := fakehw.NewAddressSpace(Region{Lo: 0, Hi: 1 << 30})

	b, err := s.Bind("unit0", "dev0", as, 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	pasid := b.PASID

	if err := s.Unbind(pasid, "dev0"); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if _, _, ok := hw.EntryProgrammed("unit0", "dev0"); ok {
		t.Errorf("expected PASID entry to be cleared after last-device unbind")
	}
	if alloc.Get(PASIDSetHost, pasid) {
		t.Errorf("expected pasid %d to be released back to the allocator", pasid)
	}
	if b.getState() != stateFreed {
		t.Errorf("state = %v, want freed", b.getState())
	}
}

func TestUnbindOneOfTwoDevicesKeepsBindingAlive(t *testing.T) {
	s, alloc, hw, _ := newTestSubsystem(t)
	hw.SetCapabilities("unit0", "dev0", DeviceCapabilities{PASIDCapable: true})
	hw.SetCapabilities("unit0", "dev1", DeviceCapabilities{PASIDCapable: true})
	as := fakehw.NewAddressSpace(Region{Lo: 0, Hi: 1 << 30})

	b, err := s.Bind("unit0", "dev0", as, 0)
	if err != nil {
		t.Fatalf("Bind dev0: %v", err)
	}
	if _, err := s.Bind("unit0", "dev1", as, 0); err != nil {
		t.Fatalf("Bind dev1: %v", err)
	}

	if err := s.Unbind(b.PASID, "dev0"); err != nil {
		t.Fatalf("Unbind dev0: %v", err)
	}
	if !alloc.Get(PASIDSetHost, b.PASID) {
		t.Errorf("expected pasid to stay allocated while dev1 is still bound")
	}
	if b.deviceCount() != 1 {
		t.Errorf("deviceCount = %d, want 1", b.deviceCount())
	}
	if _, _, ok := hw.EntryProgrammed("unit0", "dev1"); !ok {
		t.Errorf("expected dev1's PASID entry to remain programmed")
	}
}
