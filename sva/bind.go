package sva

import "time"

// Bind implements host-mode bind (§4.2, HOST_USER / HOST_SUPERVISOR).
// a must be nil iff flags carries FlagSupervisor (a supervisor-mode
// binding has no address space and uses the kernel's root page
// table).
func (s *Subsystem) Bind(unit IOMMUUnit, device DeviceHandle, a AddressSpace, flags Flags) (*Binding, error) {
	const op = "Bind"
	defer s.recordStat(op, time.Now())

	supervisor := flags.has(FlagSupervisor)
	if supervisor && a != nil {
		return nil, wrapErr(op, KindValidation, ErrInvalid)
	}
	if !supervisor && a == nil {
		return nil, wrapErr(op, KindValidation, ErrInvalid)
	}

	caps, err := s.hw.Capabilities(unit, device)
	if err != nil {
		return nil, wrapErr(op, KindValidation, err)
	}
	if !caps.PASIDCapable {
		return nil, wrapErr(op, KindValidation, ErrNotSupported)
	}
	if supervisor && !caps.SupervisorCapable {
		return nil, wrapErr(op, KindValidation, ErrNotSupported)
	}

	var result *Binding
	var resultErr error

	s.reg.withLock(func() {
		// Open Question #1: forbid supervisor/user coexistence on
		// the same device at validation time, rather than refusing
		// blindly on duplicate D only. byHostDevice tells us directly
		// whether this device already has a host-mode binding, and
		// if so, which flavour.
		if existing, ok := s.reg.findHostDeviceLocked(device); ok {
			if supervisor != (existing.Mode == ModeHostSupervisor) {
				resultErr = wrapErr(op, KindValidation, ErrConflictMode)
				return
			}
			resultErr = wrapErr(op, KindConflict, ErrAlready)
			return
		}

		// Device has no host-mode binding yet. A user-mode bind may
		// still be joining an address space already shared by other
		// devices (§4.2 step 2); a supervisor-mode bind always joins
		// the single global supervisor binding, keyed the same way
		// since a is nil for every supervisor call.
		if existing, found := s.reg.findByAddressSpaceLocked(a); found {
			db, err := s.attachDevice(unit, device, existing, caps)
			if err != nil {
				resultErr = err
				return
			}
			existing.insertDevice(db)
			s.reg.trackHostDeviceLocked(device, existing)
			result = existing
			return
		}

		// No existing binding: allocate a fresh PASID and Binding.
		mode := ModeHostUser
		if supervisor {
			mode = ModeHostSupervisor
		}
		p, ok := s.alloc.Alloc(PASIDSetHost, s.cfg.PASIDMin, s.cfg.PASIDMax, a)
		if !ok {
			resultErr = wrapErr(op, KindCapacity, ErrNoSpace)
			return
		}

		b := &Binding{
			PASID:        p,
			Set:          PASIDSetHost,
			Mode:         mode,
			AddressSpace: a,
			Flags:        flags,
		}

		if !supervisor {
			b.obs = newObserver(s, b)
			if err := a.AttachObserver(b.obs); err != nil {
				s.alloc.Put(PASIDSetHost, p)
				resultErr = wrapErr(op, KindHardware, err)
				return
			}
			b.observerAttached = true
		}

		db, err := s.attachDevice(unit, device, b, caps)
		if err != nil {
			if b.observerAttached {
				a.DetachObserver(b.obs)
			}
			s.alloc.Put(PASIDSetHost, p)
			resultErr = err
			return
		}
		b.insertDevice(db)

		s.alloc.AttachData(PASIDSetHost, p, b)
		s.reg.insert(b)
		s.reg.trackHostDeviceLocked(device, b)
		if !supervisor {
			a.SetPASID(p)
		}
		result = b
	})

	if resultErr != nil {
		return nil, resultErr
	}
	return result, nil
}

// attachDevice programs the hardware PASID entry and builds the
// device-binding record (§4.2 step 2/3). The entry carries the
// binding's mode and the 5-level-paging bit only; PageTableRoot is
// left zero, so no top-level page table of a is handed to the
// hardware.
func (s *Subsystem) attachDevice(unit IOMMUUnit, device DeviceHandle, b *Binding, caps DeviceCapabilities) (*deviceBinding, error) {
	const op = "attachDevice"
	lock := s.iommuLock(unit)
	lock.Lock()
	defer lock.Unlock()

	cfg := PASIDEntryConfig{
		Mode:         b.Mode,
		Paging5Level: b.Flags.has(FlagPaging5Level) && caps.FullPASIDWidth,
	}
	if err := s.hw.ProgramPASIDEntry(unit, device, b.PASID, cfg); err != nil {
		return nil, wrapErr(op, KindHardware, err)
	}
	return &deviceBinding{
		Device:           device,
		SourceID:         caps.SourceID,
		Unit:             unit,
		DeviceTLBDepth:   caps.DeviceTLBDepth,
		PFSID:            caps.PFSID,
		deviceTLBEnabled: caps.DeviceTLBEnabled,
		usage:            1,
	}, nil
}

// Unbind implements host-mode unbind (§4.2 Unbind). It is idempotent:
// unbinding a (device, pasid) pair with no live binding succeeds
// silently.
func (s *Subsystem) Unbind(pasid PASID, device DeviceHandle) error {
	const op = "Unbind"
	defer s.recordStat(op, time.Now())

	b, ok := s.reg.find(pasid, PASIDSetHost)
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
			logf("%s: clear pasid entry for device on unit failed: %v", op, err)
		}
		s.reg.untrackHostDeviceLocked(device)
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

	if shouldFree {
		s.finalizeBindingDestruction(b)
	}
	return nil
}

// finalizeBindingDestruction is the last step of Unbind/the C7 worker
// once B's device set is empty: detach the observer, release the
// PASID reference, remove B from the registry, and mark it FREED
// (§4.2 step 4, I3).
func (s *Subsystem) finalizeBindingDestruction(b *Binding) {
	if b.observerAttached && b.AddressSpace != nil {
		b.AddressSpace.DetachObserver(b.obs)
	}
	set := b.Set
	s.alloc.DetachData(set, b.PASID)
	s.reg.withLock(func() {
		s.reg.remove(b)
	})
	s.alloc.Put(set, b.PASID)
	b.setState(stateFreed)
}
