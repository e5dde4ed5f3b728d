// Package routeproc implements the Route Processor from spec §4.I: the
// per-study pipeline that anonymizes, archives, fans out to
// destinations, and updates the transfer record.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package routeproc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/anonymize"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/archive"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/broker"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destclient"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destmgr"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/dicomattr"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/rlog"
)

// ScriptSource resolves a named anonymization script's base text,
// owned by whatever component loads scripts from disk/config.
type ScriptSource func(name string) (string, error)

// Brokers resolves a configured honest-broker name to its Broker
// implementation.
type Brokers func(name string) (broker.Broker, bool)

// UIDHashers resolves a configured honest-broker name to the
// anonymize.UIDHasher backed by that broker's crosswalk partition,
// spec §4.B "hashUID[tag]". Kept separate from Brokers because the
// hasher needs direct crosswalk-store access (anonymize/builtins.go),
// not just the narrower broker.Broker contract.
type UIDHashers func(brokerName string) anonymize.UIDHasher

// Processor runs one route's per-study pipeline, spec §4.I.
type Processor struct {
	route      core.Route
	baseDir    string
	archive    *archive.Archive
	destMgr    *destmgr.Manager
	brokers    Brokers
	uidHashers UIDHashers
	scripts    ScriptSource
	enhancer   *anonymize.Enhancer

	inFlight sync.Map // (studyUID,destName) -> struct{}, spec invariant 6
}

func New(route core.Route, baseDir string, ar *archive.Archive, dm *destmgr.Manager, brokers Brokers, uidHashers UIDHashers, scripts ScriptSource) *Processor {
	return &Processor{
		route:      route,
		baseDir:    baseDir,
		archive:    ar,
		destMgr:    dm,
		brokers:    brokers,
		uidHashers: uidHashers,
		scripts:    scripts,
		enhancer:   &anonymize.Enhancer{},
	}
}

// Process runs the full pipeline for one emitted study, spec §4.I
// steps 1-6. It is meant to run inside a route's single worker
// goroutine (or a small worker pool sized by WorkerThreads); callers
// are responsible for not invoking Process for the same study twice.
func (p *Processor) Process(ctx context.Context, study *core.Study, instances []*core.Instance) *core.TransferRecord {
	id, _ := shortid.Generate()
	rec := &core.TransferRecord{
		ID: id, StudyUID: study.StudyUID, RouteAE: p.route.AETitle,
		ArrivalTime: study.FirstArrival, FileCount: len(instances), TotalBytes: study.ByteCount,
		Status: core.TransferReceived,
	}
	rec.Status = core.TransferProcessing
	study.SetState(core.StudyProcessing)

	bindings := enabledSortedBindings(p.route.Destinations)

	scratchRoot := filepath.Join(p.baseDir, p.route.AETitle, "scratch", study.StudyUID)
	defer os.RemoveAll(scratchRoot)

	var anonymizedFiles []string
	var anonymizedOnce sync.Once
	var anonErr error

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(maxConcurrent(p.route.MaxConcurrentTransfers)))

	for _, binding := range bindings {
		binding := binding
		result := rec.ResultFor(binding.Destination)
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			p.processDestination(gctx, study, instances, binding, result, &anonymizedFiles, &anonymizedOnce, &anonErr)
			return nil
		})
	}
	g.Wait()

	rec.Recompute()

	originals := make([]string, 0, len(instances))
	for _, inst := range instances {
		originals = append(originals, inst.Path)
	}
	destNames := make([]string, 0, len(bindings))
	for _, b := range bindings {
		destNames = append(destNames, b.Destination)
	}
	summary, err := p.archive.PersistStudy(p.route.AETitle, study.StudyUID, originals, anonymizedFiles, destNames)
	if err != nil {
		rlog.Errorf("routeproc: archive persist failed for study %s: %v", study.StudyUID, err)
		rec.Status = core.TransferFailed
		p.moveIncoming(study.StudyUID, "failed")
		study.SetState(core.StudyFailed)
		return rec
	}
	for name, st := range summary.DestinationStatuses {
		if r := rec.ResultFor(name); r != nil {
			st.Status = r.Status
			st.Attempts = 1
			st.LastAttemptAt = time.Now()
			st.Message = r.Message
			st.DurationMs = r.Duration.Milliseconds()
			st.ProjectID = r.ProjectID
			st.Subject = r.Subject
			st.SessionLabel = r.SessionLabel
			st.CallingAE = r.CallingAE
			st.PatientID = r.PatientID
			st.Modality = r.Modality
			st.StudyDate = r.StudyDate
			st.AutoArchive = r.AutoArchive
			_ = p.archive.UpdateDestinationStatus(p.route.AETitle, study.StudyUID, st)
		}
	}

	switch rec.Status {
	case core.TransferCompleted, core.TransferPartial:
		p.moveIncoming(study.StudyUID, "completed")
		study.SetState(core.StudyCompleted)
	default:
		p.moveIncoming(study.StudyUID, "failed")
		study.SetState(core.StudyFailed)
	}
	return rec
}

func (p *Processor) moveIncoming(studyUID, outcome string) {
	src := filepath.Join(p.baseDir, p.route.AETitle, "incoming", studyUID)
	dst := filepath.Join(p.baseDir, p.route.AETitle, outcome, studyUID)
	os.MkdirAll(filepath.Dir(dst), 0o755)
	if err := os.Rename(src, dst); err != nil {
		rlog.Warningf("routeproc: move %s -> %s: %v", src, dst, err)
	}
}

// processDestination implements spec §4.I step 2 for one destination
// binding: anonymize-or-passthrough, resolve identifiers, send. Errors
// are recorded on result, never propagated — spec "failures of one
// destination never affect another".
func (p *Processor) processDestination(
	ctx context.Context,
	study *core.Study,
	instances []*core.Instance,
	binding core.DestinationBinding,
	result *core.DestinationResult,
	anonymizedFiles *[]string,
	anonymizedOnce *sync.Once,
	anonErr *error,
) {
	key := study.StudyUID + "/" + binding.Destination
	if _, loaded := p.inFlight.LoadOrStore(key, struct{}{}); loaded {
		result.Status = core.DestFailed
		result.Message = "attempt already in flight"
		return
	}
	defer p.inFlight.Delete(key)

	result.Status = core.DestProcessing
	result.Attempts++
	result.LastAttemptAt = time.Now()
	start := time.Now()

	var sendFiles []string
	var patientID, studyDate, modality string
	if origAttr, ok := firstAttrs(instances); ok {
		patientID, _ = origAttr.Get(core.TagPatientID)
		studyDate, _ = origAttr.Get(core.TagStudyDate)
		modality, _ = origAttr.Get(core.TagModality)
	}

	if binding.Anonymize {
		anonymizedOnce.Do(func() {
			files, err := p.runAnonymizer(study, instances, binding)
			*anonymizedFiles = files
			*anonErr = err
		})
		if *anonErr != nil {
			result.Status = core.DestFailed
			result.Message = (*anonErr).Error()
			result.Duration = time.Since(start)
			return
		}
		sendFiles = *anonymizedFiles
	} else {
		for _, inst := range instances {
			sendFiles = append(sendFiles, inst.Path)
		}
	}

	params := destclient.SendParams{
		StudyUID: study.StudyUID, ProjectID: binding.ProjectID,
		CallingAE: study.CallingAE, PatientID: patientID, StudyDate: studyDate, Modality: modality,
		AutoArchive: binding.AutoArchive,
	}
	// Mirrored onto result (and from there into the archived
	// DestinationStatus, see Process) so a later Retry Manager pass can
	// rebuild these same SendParams without repeating honest-broker
	// lookups, spec §4.J.
	defer func() {
		result.ProjectID = params.ProjectID
		result.Subject = params.Subject
		result.SessionLabel = params.SessionLabel
		result.CallingAE = params.CallingAE
		result.PatientID = params.PatientID
		result.Modality = params.Modality
		result.StudyDate = params.StudyDate
		result.AutoArchive = params.AutoArchive
	}()
	if binding.UseHonestBroker {
		b, ok := p.brokers(binding.HonestBroker)
		if !ok {
			result.Status = core.DestFailed
			result.Message = fmt.Sprintf("honest broker %q not configured", binding.HonestBroker)
			result.Duration = time.Since(start)
			return
		}
		subject, err := b.Lookup("patient", binding.SubjectPrefix+patientID)
		if err != nil {
			result.Status = core.DestFailed
			result.Message = err.Error()
			result.Duration = time.Since(start)
			return
		}
		params.Subject = subject
		if dest, _, _, ok := p.destMgr.Get(binding.Destination); ok && dest.Kind == core.KindXNAT {
			accession, _ := firstAttrGet(instances, core.TagAccessionNumber)
			if accession == "" {
				result.Status = core.DestFailed
				result.Message = "AccessionNumber is required"
				result.Duration = time.Since(start)
				return
			}
			accessionOut, err := b.Lookup("accession", accession)
			if err != nil {
				result.Status = core.DestFailed
				result.Message = err.Error()
				result.Duration = time.Since(start)
				return
			}
			params.SessionLabel = subject + "-" + accessionOut
		}
	} else {
		params.Subject = binding.SubjectPrefix + patientID
		params.SessionLabel = binding.SessionPrefix + patientID
	}

	_, client, _, ok := p.destMgr.Get(binding.Destination)
	if !ok {
		result.Status = core.DestFailed
		result.Message = fmt.Sprintf("destination %q not registered", binding.Destination)
		result.Duration = time.Since(start)
		return
	}
	send, err := client.Send(ctx, params, sendFiles)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = core.DestFailed
		result.Message = err.Error()
		return
	}
	result.FilesTransferred = send.FilesTransferred
	result.Message = send.Message
	if send.Success {
		result.Status = core.DestSuccess
	} else {
		result.Status = core.DestFailed
	}
}

// runAnonymizer executes the Script Enhancer + Engine + Verifier over
// every instance into a scratch directory, spec §4.B/§4.I. Any
// verifier failure aborts the whole destination — "never partial send
// of a study".
func (p *Processor) runAnonymizer(study *core.Study, instances []*core.Instance, binding core.DestinationBinding) ([]string, error) {
	base, err := p.scripts(binding.ResolvedScript())
	if err != nil {
		return nil, &core.AnonymizationFailed{Script: binding.ResolvedScript(), Cause: err}
	}

	b, hasBroker := p.brokers(binding.HonestBroker)
	dateShiftEnabled := hasBroker
	uidHashEnabled := hasBroker
	shiftDays := 0
	if hasBroker {
		if patientID, ok := firstAttrGet(instances, core.TagPatientID); ok {
			shiftDays, _ = b.DateShiftFor(patientID)
		}
	}

	composed, err := p.enhancer.Compose(base, dateShiftEnabled, shiftDays, uidHashEnabled)
	if err != nil {
		return nil, &core.AnonymizationFailed{Script: binding.ResolvedScript(), Cause: err}
	}
	script, err := anonymize.ParseScript(composed)
	if err != nil {
		return nil, &core.AnonymizationFailed{Script: binding.ResolvedScript(), Cause: err}
	}

	var uidHasher anonymize.UIDHasher
	if hasBroker && p.uidHashers != nil {
		uidHasher = p.uidHashers(binding.HonestBroker)
	}
	engine := &anonymize.Engine{UIDHash: uidHasher}

	scratch := filepath.Join(p.baseDir, p.route.AETitle, "scratch", study.StudyUID, binding.Destination)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, &core.AnonymizationFailed{Script: binding.ResolvedScript(), Cause: err}
	}

	verifierCfg := anonymize.DefaultVerifierConfig()
	if shiftDays != 0 {
		verifierCfg.CheckExpectedShift = true
		verifierCfg.ExpectedShiftDays = shiftDays
	}

	var outputs []string
	for _, inst := range instances {
		orig, err := dicomattr.ParseFile(inst.Path)
		if err != nil {
			return nil, &core.AnonymizationFailed{Script: binding.ResolvedScript(), Cause: err}
		}
		anonCopy := *orig
		anonCopy.Attrs = cloneAttrs(orig.Attrs)
		if err := engine.Run(script, &anonCopy); err != nil {
			return nil, &core.AnonymizationFailed{Script: binding.ResolvedScript(), Cause: err}
		}
		if err := anonymize.Verify(verifierCfg, orig, &anonCopy); err != nil {
			return nil, err // *core.VerificationFailed, propagated unwrapped per spec
		}
		outPath := filepath.Join(scratch, inst.SOPInstanceUID+".dcm")
		f, err := os.Create(outPath)
		if err != nil {
			return nil, &core.AnonymizationFailed{Script: binding.ResolvedScript(), Cause: err}
		}
		werr := dicomattr.WriteTo(f, anonCopy.Dataset)
		f.Close()
		if werr != nil {
			os.Remove(outPath)
			return nil, &core.AnonymizationFailed{Script: binding.ResolvedScript(), Cause: werr}
		}
		outputs = append(outputs, outPath)
	}
	return outputs, nil
}

func cloneAttrs(a core.Attrs) core.Attrs {
	out := make(core.Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func firstAttrs(instances []*core.Instance) (core.Attrs, bool) {
	if len(instances) == 0 {
		return nil, false
	}
	return instances[0].Attrs, true
}

func firstAttrGet(instances []*core.Instance, t core.Tag) (string, bool) {
	attrs, ok := firstAttrs(instances)
	if !ok {
		return "", false
	}
	return attrs.Get(t)
}

// enabledSortedBindings implements spec §4.I step 2: "ordered by
// priority ascending, ties broken by insertion order". SliceStable
// preserves the original (insertion) order among equal priorities, so
// no separate tie-break key is needed.
func enabledSortedBindings(bindings []core.DestinationBinding) []core.DestinationBinding {
	out := make([]core.DestinationBinding, 0, len(bindings))
	for _, b := range bindings {
		if b.Enabled {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func maxConcurrent(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}
