package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/srg/bluehub/scanner"
)

// ErrAdapterRecoveryFailed is returned when an adapter recovery routine
// exhausted its attempts.
var ErrAdapterRecoveryFailed = errors.New("adapter recovery failed")

// SlotAllocations is the connection-slot snapshot for one adapter.
type SlotAllocations struct {
	Adapter   string   `json:"adapter"`
	Source    string   `json:"source"`
	Slots     int      `json:"slots"`
	Free      int      `json:"free"`
	Allocated []string `json:"allocated"`
}

type allocationCallbackEntry struct {
	callback func(allocations SlotAllocations)
}

// RegisterAllocationCallback fires with the new snapshot whenever an
// adapter's slot allocations change. adapter restricts the subscription;
// empty subscribes to all adapters.
func (m *Manager) RegisterAllocationCallback(adapter string, callback func(SlotAllocations)) func() {
	callbacks, ok := m.allocationsCallbacks[adapter]
	if !ok {
		callbacks = map[*allocationCallbackEntry]struct{}{}
		m.allocationsCallbacks[adapter] = callbacks
	}
	entry := &allocationCallbackEntry{callback: callback}
	callbacks[entry] = struct{}{}
	return func() {
		delete(callbacks, entry)
		if len(callbacks) == 0 {
			delete(m.allocationsCallbacks, adapter)
		}
	}
}

// CurrentAllocations returns the tracked allocations, or just the one for
// adapter when non-empty.
func (m *Manager) CurrentAllocations(adapter string) []SlotAllocations {
	if adapter != "" {
		if allocation, ok := m.allocations[adapter]; ok {
			return []SlotAllocations{*allocation}
		}
		return nil
	}
	allocations := make([]SlotAllocations, 0, len(m.allocations))
	for _, allocation := range m.allocations {
		allocations = append(allocations, *allocation)
	}
	return allocations
}

// scannerConnectionChanged is installed on each registered scanner as the
// connection observer; any slot bookkeeping change lands here.
func (m *Manager) scannerConnectionChanged(source string) {
	s, ok := m.sources.Get(source)
	if !ok {
		return
	}
	m.recomputeAllocations(s)
}

func (m *Manager) recomputeAllocations(s scanner.Scanner) {
	adapter := s.Adapter()
	slots := m.adapterSlots[adapter]
	allocated := s.InProgressAddresses()
	sort.Strings(allocated)
	free := slots - len(allocated)
	if free < 0 {
		free = 0
	}
	m.allocations[adapter] = &SlotAllocations{
		Adapter:   adapter,
		Source:    s.Source(),
		Slots:     slots,
		Free:      free,
		Allocated: allocated,
	}
	m.markAllocationsDirty(adapter)
}

// OnAdapterConnections folds a GET_CONNECTIONS completion from the
// management channel into the adapter's slot accounting. The kernel count
// includes connections made outside this process, so free slots follow it.
func (m *Manager) OnAdapterConnections(adapter string, connections int) {
	slots := m.adapterSlots[adapter]
	allocation, ok := m.allocations[adapter]
	if !ok {
		allocation = &SlotAllocations{
			Adapter: adapter,
			Source:  m.adapterSources[adapter],
			Slots:   slots,
		}
		m.allocations[adapter] = allocation
	}
	free := slots - connections
	if free < 0 {
		free = 0
	}
	allocation.Free = free
	m.markAllocationsDirty(adapter)
}

// markAllocationsDirty coalesces notifications: any number of slot changes
// within one loop iteration produces a single callback invocation per
// adapter.
func (m *Manager) markAllocationsDirty(adapter string) {
	m.dirtyAllocations[adapter] = struct{}{}
	if m.allocationsNotifyScheduled || m.lp == nil {
		return
	}
	m.allocationsNotifyScheduled = true
	m.lp.Schedule(m.notifyAllocations)
}

func (m *Manager) notifyAllocations() {
	m.allocationsNotifyScheduled = false
	dirty := m.dirtyAllocations
	m.dirtyAllocations = map[string]struct{}{}
	for adapter := range dirty {
		allocation, ok := m.allocations[adapter]
		if !ok {
			continue
		}
		for _, adapterKey := range []string{adapter, ""} {
			callbacks, ok := m.allocationsCallbacks[adapterKey]
			if !ok {
				continue
			}
			for entry := range snapshot(callbacks) {
				m.invokeAllocationCallback(entry, *allocation)
			}
		}
	}
}

func (m *Manager) invokeAllocationCallback(entry *allocationCallbackEntry, allocation SlotAllocations) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Error in allocation callback")
		}
	}()
	entry.callback(allocation)
}

// RecoverAdapter runs an adapter recovery routine, at most one fleet-wide at
// a time. A recovery already in flight makes this call a no-op. A failed
// routine surfaces ErrAdapterRecoveryFailed; the manager keeps serving other
// adapters regardless.
func (m *Manager) RecoverAdapter(ctx context.Context, adapter string, routine func(context.Context) error) error {
	select {
	case m.recoverySem <- struct{}{}:
	default:
		m.log.WithField("adapter", adapter).Debug("Adapter recovery already in progress")
		return nil
	}
	defer func() { <-m.recoverySem }()
	if err := routine(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAdapterRecoveryFailed, adapter, err)
	}
	return nil
}
