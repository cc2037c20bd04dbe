package sva

import (
	"time"

	"github.com/iommu-sva/sva/prq"
)

// BindGuest implements guest-mode bind (§4.2, GUEST_NESTED).
func (s *Subsystem) BindGuest(unit IOMMUUnit, device DeviceHandle, dom Domain, desc GuestDescriptor) (*Binding, error) {
	const op = "BindGuest"
	defer s.recordStat(op, time.Now())

	if err := validateGuestDescriptor(desc); err != nil {
		return nil, wrapErr(op, KindValidation, err)
	}

	caps, err := s.hw.Capabilities(unit, device)
	if err != nil {
		return nil, wrapErr(op, KindValidation, err)
	}
	if !caps.FullPASIDWidth && dom.RequireFullPASIDWidth() {
		return nil, wrapErr(op, KindValidation, ErrNotSupported)
	}

	// A second device joining an already-established guest binding
	// must land on the same resolved PASID; reuse it instead of
	// taking a fresh one or re-installing fault data (§4.2 guest-mode
	// step 3).
	var reused *Binding
	if desc.GuestPASIDValid {
		reused, _ = s.reg.findByGuestPASID(desc.GuestPASID)
	}

	var pasid PASID
	var freshAlloc bool
	if reused != nil {
		pasid = reused.PASID
	} else {
		p, fresh, err := s.resolveGuestPASID(dom, desc)
		if err != nil {
			return nil, wrapErr(op, KindCapacity, err)
		}
		pasid = p
		freshAlloc = fresh
	}

	// §4.2 step 2: pre-install fault routing *before* acquiring the
	// registry mutex, to avoid racing the PRQ reader. Skipped when
	// reusing an already-bound guest PASID: fault data is already in
	// place for it.
	installedFaultData := false
	if reused == nil && dom.FaultDataRequired() {
		if err := dom.InstallFaultData(device, pasid); err != nil {
			if freshAlloc {
				s.alloc.Put(PASIDSetGuest, pasid)
			}
			return nil, wrapErr(op, KindHardware, err)
		}
		installedFaultData = true
	}

	var result *Binding
	var resultErr error

	s.reg.withLock(func() {
		b, ok := s.reg.findLocked(pasid, PASIDSetGuest)
		if ok {
			if _, exists := b.FindDevice(device); exists {
				resultErr = wrapErr(op, KindConflict, ErrAlready)
				return
			}
		} else {
			var bf Flags
			bf |= FlagGuestMode
			if desc.GuestPASIDValid {
				bf |= FlagGuestPASIDValid
			}
			if desc.HPASIDDefault {
				bf |= FlagHPASIDDefault
			}
			b = &Binding{
				PASID:         pasid,
				Set:           PASIDSetGuest,
				Mode:          ModeGuestNested,
				GuestPASID:    desc.GuestPASID,
				HasGuestPASID: desc.GuestPASIDValid,
				Flags:         bf,
			}
		}

		db, err := s.programNested(unit, device, b, dom, desc, caps)
		if err != nil {
			resultErr = err
			return
		}
		b.insertDevice(db)

		if !ok {
			s.alloc.AttachData(PASIDSetGuest, pasid, b)
			s.reg.insert(b)
		}
		result = b
	})

	if resultErr != nil {
		// Only undo what this call itself took: a binding we merely
		// joined (reused != nil) keeps its PASID and fault data alive
		// for the devices already attached to it.
		if reused == nil {
			if installedFaultData {
				if err := dom.RemoveFaultData(device, pasid); err != nil {
					logf("%s: rollback fault data removal failed: %v", op, err)
				}
			}
			if freshAlloc {
				s.alloc.Put(PASIDSetGuest, pasid)
			}
		}
		return nil, resultErr
	}
	return result, nil
}

func validateGuestDescriptor(desc GuestDescriptor) error {
	if desc.Reserved != 0 {
		return ErrInvalid
	}
	if desc.AddressWidth == 0 {
		return ErrInvalid
	}
	return nil
}

// resolveGuestPASID honours HPASID_DEFAULT (§6) by using the domain's
// pre-assigned host PASID instead of allocating one; otherwise it
// allocates fresh, passing desc as the allocator cookie. The returned
// bool reports whether a fresh allocator
// reference was taken (and must be Put back on failure) as opposed to
// borrowing a PASID the domain already owns.
func (s *Subsystem) resolveGuestPASID(dom Domain, desc GuestDescriptor) (PASID, bool, error) {
	if desc.HPASIDDefault {
		if p, ok := dom.DefaultHostPASID(); ok {
			return p, false, nil
		}
	}
	p, ok := s.alloc.Alloc(PASIDSetGuest, s.cfg.PASIDMin, s.cfg.PASIDMax, desc)
	if !ok {
		// Open Question #2: HPASID_DEFAULT with no domain-assigned
		// host PASID surfaces the allocator's own failure unchanged
		// rather than inventing a new error class.
		return 0, false, ErrNoSpace
	}
	return p, true, nil
}

// programNested implements §4.2 guest-mode step 4: nested paging
// rooted at the guest's top-level table, stitched over the domain's
// second-level tables, serialised per-IOMMU against concurrent table
// programming.
func (s *Subsystem) programNested(unit IOMMUUnit, device DeviceHandle, b *Binding, dom Domain, desc GuestDescriptor, caps DeviceCapabilities) (*deviceBinding, error) {
	const op = "programNested"
	lock := s.iommuLock(unit)
	lock.Lock()
	defer lock.Unlock()

	cfg := PASIDEntryConfig{
		Mode:              ModeGuestNested,
		PageTableRoot:     desc.PageTableRoot,
		SecondLevelDomain: dom.ID(),
		AddressWidth:      desc.AddressWidth,
		AttributeBits:     desc.AttributeBits,
	}
	if err := s.hw.ProgramPASIDEntry(unit, device, b.PASID, cfg); err != nil {
		return nil, wrapErr(op, KindHardware, err)
	}
	return &deviceBinding{
		Device:           device,
		SourceID:         caps.SourceID,
		Unit:             unit,
		DomainID:         dom.ID(),
		DeviceTLBDepth:   caps.DeviceTLBDepth,
		PFSID:            caps.PFSID,
		deviceTLBEnabled: caps.DeviceTLBEnabled,
		usage:            1,
		Dom:              dom,
	}, nil
}

// UnbindGuest implements guest-mode unbind (§4.2 Unbind, §6
// unbind_guest). It shares the host-mode teardown sequence but always
// operates in the guest PASID set and removes fault-routing data.
func (s *Subsystem) UnbindGuest(dom Domain, device DeviceHandle, pasid PASID, flags Flags) error {
	defer s.recordStat("UnbindGuest", time.Now())

	b, ok := s.reg.find(pasid, PASIDSetGuest)
	if !ok {
		return nil
	}
	db, ok := b.FindDevice(device)
	if !ok {
		return nil
	}

	var shouldDrain, shouldFree bool
	var unit IOMMUUnit

	s.reg.withLock(func() {
		db.usage--
		if db.usage > 0 {
			return
		}
		removed, empty := b.removeDevice(device)
		if !removed {
			return
		}
		unit = db.Unit
		if err := s.hw.ClearPASIDEntry(db.Unit, device, pasid); err != nil {
			logf("UnbindGuest: clear pasid entry failed: %v", err)
		}
		if empty {
			b.setState(stateDraining)
		}
		shouldDrain = true
		shouldFree = empty
	})

	if !shouldDrain {
		return nil
	}

	s.Drain(unit, pasid, device, db)

	// §4.7 step 4: per-device fault-data deletion can race PRQ
	// reporting for descriptors already in flight, so it is deferred
	// until after Drain has returned and the registry mutex has been
	// released — mirroring notifier.cleanup's ordering for the
	// functionally-identical C7 teardown path.
	if dom.FaultDataRequired() {
		if err := dom.RemoveFaultData(device, pasid); err != nil {
			logf("UnbindGuest: remove fault data failed: %v", err)
		}
	}

	if shouldFree {
		s.finalizeBindingDestruction(b)
	}
	return nil
}

// PageResponse is the external path of §6: once a user-space handler
// has resolved a guest-mode fault, compose the page-group response
// and submit it via the IOMMU's invalidation path, and close out the
// generic dispatcher's bookkeeping for the event.
func (s *Subsystem) PageResponse(unit IOMMUUnit, event FaultEvent, code prq.ResponseCode) error {
	msg := prq.ForDescriptor(event.Descriptor, code)
	if err := s.hw.PostPageGroupResponse(unit, msg); err != nil {
		return wrapErr("PageResponse", KindHardware, err)
	}
	if err := s.fault.PageResponse(unit, event, msg); err != nil {
		return wrapErr("PageResponse", KindHardware, err)
	}
	return nil
}
