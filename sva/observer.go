package sva

// observer is C4: the address-space-side callbacks a host-mode
// Binding installs at first bind (§4.6). It back-references the
// Binding it serves but the Binding owns it — one-way ownership plus
// a lookup relation, per §9 Design Notes.
type observer struct {
	s *Subsystem
	b *Binding
}

func newObserver(s *Subsystem, b *Binding) *observer {
	return &observer{s: s, b: b}
}

// alignedSubranges splits [start, end) into the largest power-of-two
// aligned chunks that cover it, so RangeInvalidated can issue a
// minimal sequence of aligned IOTLB invalidations (§4.6).
func alignedSubranges(start, end uint64) []struct{ addr, size uint64 } {
	var out []struct{ addr, size uint64 }
	for start < end {
		span := end - start
		// alignOf is the size of the largest power-of-two-aligned
		// block that can start at `start` (the position of its
		// lowest set bit; unbounded when start == 0).
		alignOf := start & (^start + 1)
		size := uint64(1)
		for {
			next := size << 1
			if next > span {
				break
			}
			if start != 0 && next > alignOf {
				break
			}
			size = next
		}
		out = append(out, struct{ addr, size uint64 }{start, size})
		start += size
	}
	return out
}

// RangeInvalidated implements §4.6 range_invalidated: flush the
// per-PASID IOTLB for [start, end) on every device in B, and the
// device-TLB too where enabled. Runs in the address space's internal
// context and must not sleep on the registry mutex — it only takes
// the per-Binding device-set read lock (§5).
func (o *observer) RangeInvalidated(start, end uint64) {
	devices := o.b.devicesSnapshot()
	subranges := alignedSubranges(start, end)

	for _, db := range devices {
		var batch []InvalidationDescriptor
		for _, r := range subranges {
			batch = append(batch, InvalidationDescriptor{
				IOTLB: &IOTLBInvalidation{PASID: o.b.PASID, Addr: r.addr, Size: r.size},
			})
		}
		if db.deviceTLBEnabled {
			batch = append(batch, InvalidationDescriptor{
				DeviceTLB: &DeviceTLBInvalidation{SourceID: db.SourceID, QDep: db.DeviceTLBDepth, PFSID: db.PFSID},
			})
		}
		if err := o.s.hw.SubmitInvalidation(db.Unit, batch, false); err != nil {
			// §7: the observer must not fail; an internal lookup
			// or hardware submission problem is logged, not
			// propagated.
			logf("RangeInvalidated: submit invalidation failed for pasid %d: %v", o.b.PASID, err)
		}
	}
}

// Released implements §4.6 address_space_released: clear the
// hardware PASID entry for every device in B so hardware can no
// longer walk its page tables. It does not free B — that happens on
// the eventual Unbind.
func (o *observer) Released() {
	for _, db := range o.b.devicesSnapshot() {
		if err := o.s.hw.ClearPASIDEntry(db.Unit, db.Device, o.b.PASID); err != nil {
			logf("Released: clear pasid entry failed for pasid %d: %v", o.b.PASID, err)
		}
	}
}
