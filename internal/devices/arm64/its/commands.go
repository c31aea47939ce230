package its

func (c MapD) execute(its *ITS) Completion {
	its.mu.Lock()
	defer its.mu.Unlock()

	if !c.Valid {
		its.store.unmapDevice(c.DeviceID)
		return CompletionOK
	}
	if err := its.store.mapDevice(c.DeviceID); err != nil {
		return CompletionOutOfResources
	}
	return CompletionOK
}

func (c MapC) execute(its *ITS) Completion {
	if !its.validTarget(c.Target) {
		return CompletionMapcProcnumOOR
	}

	its.mu.Lock()
	defer its.mu.Unlock()

	if !c.Valid {
		its.store.unmapCollection(c.CollectionID)
		return CompletionOK
	}
	if err := its.store.mapCollection(c.CollectionID, int(c.Target)); err != nil {
		return CompletionOutOfResources
	}
	return CompletionOK
}

func (c MapTI) execute(its *ITS) Completion {
	return its.mapEvent(c.DeviceID, c.EventID, c.LPI, c.CollectionID)
}

func (c MapI) execute(its *ITS) Completion {
	return its.mapEvent(c.DeviceID, c.EventID, c.EventID, c.CollectionID)
}

// mapEvent implements MAPTI and MAPI. The new ITTE picks up its LPI's
// configuration byte straight away.
func (its *ITS) mapEvent(deviceID, eventID, lpi uint32, collID uint16) Completion {
	nrIDs := nrInterruptIDs(its.redist.PropBaser())

	its.mu.Lock()
	dev := its.store.findDevice(deviceID)
	if dev == nil {
		its.mu.Unlock()
		return CompletionMaptiUnmappedDevice
	}
	if lpi < LPIBase || lpi >= nrIDs {
		its.mu.Unlock()
		return CompletionMaptiPhysicalIDOOR
	}
	if _, err := its.store.mapEvent(dev, eventID, lpi, collID); err != nil {
		its.mu.Unlock()
		return CompletionOutOfResources
	}
	its.mu.Unlock()

	its.refreshAndKick(deviceID, eventID)
	return CompletionOK
}

func (c MovI) execute(its *ITS) Completion {
	kick := -1

	its.mu.Lock()
	it := its.store.findITTE(c.DeviceID, c.EventID)
	if it == nil {
		its.mu.Unlock()
		return CompletionMoviUnmappedInterrupt
	}
	src := its.store.collectionOf(it)
	dst := its.store.findCollection(c.CollectionID)
	if !src.mapped() || !dst.mapped() {
		its.mu.Unlock()
		return CompletionMoviUnmappedCollection
	}

	it.collection = dst.id
	if src.target != dst.target {
		if it.pending.testAndClear(src.target) {
			it.pending.set(dst.target)
			if it.enabled {
				kick = dst.target
			}
		}
	}
	its.mu.Unlock()

	if kick >= 0 {
		its.dist.Kick(kick)
	}
	return CompletionOK
}

func (c Discard) execute(its *ITS) Completion {
	its.mu.Lock()
	defer its.mu.Unlock()

	it := its.store.findITTE(c.DeviceID, c.EventID)
	if it == nil {
		return CompletionDiscardUnmappedInterrupt
	}
	coll := its.store.collectionOf(it)
	if coll == nil {
		return CompletionDiscardUnmappedInterrupt
	}
	if coll.mapped() {
		it.pending.clear(coll.target)
	}
	its.store.removeITTE(it)
	return CompletionOK
}

func (c Clear) execute(its *ITS) Completion {
	its.mu.Lock()
	defer its.mu.Unlock()

	it := its.store.findITTE(c.DeviceID, c.EventID)
	if it == nil {
		return CompletionClearUnmappedInterrupt
	}
	if coll := its.store.mappedCollection(it); coll != nil {
		it.pending.clear(coll.target)
	}
	return CompletionOK
}

func (c Inv) execute(its *ITS) Completion {
	its.mu.Lock()
	found := its.store.findITTE(c.DeviceID, c.EventID) != nil
	its.mu.Unlock()

	if !found {
		return CompletionInvUnmappedInterrupt
	}
	its.refreshAndKick(c.DeviceID, c.EventID)
	return CompletionOK
}

func (c InvAll) execute(its *ITS) Completion {
	its.mu.Lock()
	coll := its.store.findCollection(c.CollectionID)
	if !coll.mapped() {
		its.mu.Unlock()
		return CompletionInvallUnmappedCollection
	}
	target := coll.target
	its.mu.Unlock()

	if err := its.syncConfig(); err != nil {
		its.log.Warn("invall: configuration sync failed", "collection", c.CollectionID, "err", err)
	}
	if err := its.syncPending(target); err != nil {
		its.log.Warn("invall: pending sync failed", "collection", c.CollectionID, "vcpu", target, "err", err)
	}
	its.kickIfDeliverable(target)
	return CompletionOK
}

func (c MovAll) execute(its *ITS) Completion {
	if !its.validTarget(c.Target1) || !its.validTarget(c.Target2) {
		return CompletionMovallProcnumOOR
	}
	if c.Target1 == c.Target2 {
		return CompletionOK
	}
	from, to := int(c.Target1), int(c.Target2)

	its.mu.Lock()
	its.store.eachCollection(func(coll *collection) {
		if coll.target == from {
			coll.target = to
		}
	})
	kick := false
	its.store.eachITTE(func(it *itte) bool {
		if it.pending.testAndClear(from) {
			it.pending.set(to)
			kick = kick || it.enabled
		}
		return true
	})
	its.mu.Unlock()

	if kick {
		its.dist.Kick(to)
	}
	return CompletionOK
}

func (c Int) execute(its *ITS) Completion {
	its.InjectMSI(c.DeviceID, c.EventID)
	return CompletionOK
}

func (Sync) execute(*ITS) Completion { return CompletionOK }

func (c UnknownCommand) execute(*ITS) Completion { return CompletionUnknownCommand }

func (its *ITS) validTarget(target uint32) bool {
	return uint64(target) < uint64(its.nrCPUs)
}

// refreshAndKick re-reads one ITTE's configuration byte and wakes its target
// if that made a pending LPI deliverable. A failed read leaves the cached
// configuration alone.
func (its *ITS) refreshAndKick(deviceID, eventID uint32) {
	target, err := its.refreshConfig(deviceID, eventID)
	if err != nil {
		its.log.Warn("configuration refresh failed", "device_id", deviceID, "event_id", eventID, "err", err)
		return
	}
	if target >= 0 {
		its.dist.Kick(target)
	}
}
