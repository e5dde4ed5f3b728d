// Package receiver implements the DICOM Receiver from spec §4.G: a
// C-STORE SCP bound to a route's port/AE title, streaming each
// instance to disk and enqueuing it into the Study Assembler.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package receiver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/assembler"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/dcmnet"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/dicomattr"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/rlog"
)

// Receiver is one route's listening association plus its assembler.
type Receiver struct {
	route     core.Route
	baseDir   string
	assembler *assembler.Assembler
	scp       *dcmnet.SCP

	slots chan struct{} // bounded worker pool, spec §4.G concurrency

	mu       sync.Mutex
	inFlight map[string]*instanceWrite // keyed by SOPInstanceUID
}

// instanceWrite tracks the single in-progress C-STORE instance being
// streamed to disk: each fragment is written straight to the open
// file and mirrored into a pipe the parse goroutine reads from, so
// the instance is never held whole in memory (spec §4.G step 2).
type instanceWrite struct {
	meta      dcmnet.StoreMeta
	path      string
	tmpPath   string
	file      *os.File
	pw        *io.PipeWriter
	size      int64
	parseDone chan parseResult
}

type parseResult struct {
	decoded *dicomattr.Decoded
	err     error
}

// parseStream is dicomattr.ParseStream, indirected for tests to
// substitute a fake decoder without needing a byte-perfect DICOM
// stream fixture.
var parseStream = dicomattr.ParseStream

// New starts listening on the route's port immediately.
func New(route core.Route, baseDir string, asm *assembler.Assembler) (*Receiver, error) {
	workers := route.WorkerThreads
	if workers <= 0 {
		workers = 4
	}
	r := &Receiver{
		route:     route,
		baseDir:   baseDir,
		assembler: asm,
		slots:     make(chan struct{}, workers),
		inFlight:  map[string]*instanceWrite{},
	}
	scp, err := dcmnet.NewSCP(dcmnet.SCPConfig{
		AETitle:       route.AETitle,
		Port:          route.Port,
		WorkerThreads: workers,
	}, r.handleFragment)
	if err != nil {
		return nil, core.Wrapf(err, "receiver: start scp for route %s", route.AETitle)
	}
	r.scp = scp
	return r, nil
}

// handleFragment is the dcmnet.FragmentHandler for this route: open
// the destination file on the first fragment, stream every fragment
// to disk and to a concurrent attribute parse, then finalize (fsync,
// rename, enqueue) on the last fragment -- spec §4.G steps 1-4.
func (r *Receiver) handleFragment(ctx context.Context, meta dcmnet.StoreMeta, fragment []byte, last bool) error {
	iw, err := r.begin(meta)
	if err != nil {
		return err
	}

	if _, err := iw.file.Write(fragment); err != nil {
		r.abort(meta.SOPInstanceUID)
		return &core.ReceiveAborted{StudyUID: meta.SOPInstanceUID, Cause: err}
	}
	if _, err := iw.pw.Write(fragment); err != nil {
		r.abort(meta.SOPInstanceUID)
		return &core.ReceiveAborted{StudyUID: meta.SOPInstanceUID, Cause: err}
	}
	iw.size += int64(len(fragment))

	if !last {
		return nil
	}
	return r.finish(ctx, iw)
}

// begin opens the destination file and starts the background parse
// goroutine on the first fragment of an instance; it acquires a
// worker-pool slot that is held for the whole instance's lifetime,
// not just one fragment.
func (r *Receiver) begin(meta dcmnet.StoreMeta) (*instanceWrite, error) {
	r.mu.Lock()
	iw, ok := r.inFlight[meta.SOPInstanceUID]
	r.mu.Unlock()
	if ok {
		return iw, nil
	}

	select {
	case r.slots <- struct{}{}:
	default:
		return nil, &core.AssociationRefused{CallingAE: meta.CallingAE, Reason: "worker pool saturated"}
	}

	incomingDir := filepath.Join(r.baseDir, r.route.AETitle, "incoming")
	if err := os.MkdirAll(incomingDir, 0o755); err != nil {
		<-r.slots
		return nil, core.Wrapf(err, "receiver: mkdir %s", incomingDir)
	}
	tmpPath := filepath.Join(incomingDir, meta.SOPInstanceUID+".part")
	f, err := os.Create(tmpPath)
	if err != nil {
		<-r.slots
		return nil, core.Wrapf(err, "receiver: create %s", tmpPath)
	}

	pr, pw := io.Pipe()
	done := make(chan parseResult, 1)
	go func() {
		decoded, perr := parseStream(pr)
		pr.CloseWithError(perr)
		done <- parseResult{decoded: decoded, err: perr}
	}()

	iw = &instanceWrite{meta: meta, tmpPath: tmpPath, file: f, pw: pw, parseDone: done}
	r.mu.Lock()
	r.inFlight[meta.SOPInstanceUID] = iw
	r.mu.Unlock()
	return iw, nil
}

// finish closes the pipe (signaling EOF to the parser), fsyncs and
// renames the destination file, and enqueues the decoded instance
// into the assembler -- spec §4.G step 3 "respond ... only after
// fsync-level durability".
func (r *Receiver) finish(ctx context.Context, iw *instanceWrite) error {
	defer r.release(iw.meta.SOPInstanceUID)

	iw.pw.Close()
	res := <-iw.parseDone
	if res.err != nil {
		r.discard(iw)
		return core.Wrapf(res.err, "receiver: decode instance from %s", iw.meta.CallingAE)
	}
	decoded := res.decoded
	studyUID := decoded.StudyUID
	if studyUID == "" {
		r.discard(iw)
		return fmt.Errorf("receiver: instance missing StudyInstanceUID")
	}

	if err := iw.file.Sync(); err != nil {
		r.discard(iw)
		return &core.ReceiveAborted{StudyUID: studyUID, Cause: err}
	}
	if err := iw.file.Close(); err != nil {
		os.Remove(iw.tmpPath)
		return &core.ReceiveAborted{StudyUID: studyUID, Cause: err}
	}

	dir := filepath.Join(r.baseDir, r.route.AETitle, "incoming", studyUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		os.Remove(iw.tmpPath)
		return core.Wrapf(err, "receiver: mkdir %s", dir)
	}
	path := filepath.Join(dir, iw.meta.SOPInstanceUID+".dcm")
	if err := os.Rename(iw.tmpPath, path); err != nil {
		os.Remove(iw.tmpPath)
		return &core.ReceiveAborted{StudyUID: studyUID, Cause: err}
	}

	inst := &core.Instance{
		SOPInstanceUID: iw.meta.SOPInstanceUID,
		StudyUID:       studyUID,
		SeriesUID:      decoded.SeriesUID,
		TransferSyntax: iw.meta.TransferSyntax,
		SOPClassUID:    iw.meta.SOPClassUID,
		Path:           path,
		Size:           iw.size,
		ReceivedAt:     time.Now(),
		Attrs:          decoded.Attrs,
	}
	quiescence := time.Duration(r.route.StudyTimeoutSecondsOrDefault()) * time.Second
	r.assembler.Add(inst, iw.meta.CallingAE, quiescence)
	return nil
}

func (r *Receiver) discard(iw *instanceWrite) {
	iw.file.Close()
	os.Remove(iw.tmpPath)
}

// abort tears down an in-progress instance after a write failure,
// releasing its worker-pool slot.
func (r *Receiver) abort(sopInstanceUID string) {
	r.mu.Lock()
	iw, ok := r.inFlight[sopInstanceUID]
	delete(r.inFlight, sopInstanceUID)
	r.mu.Unlock()
	if !ok {
		return
	}
	iw.pw.CloseWithError(io.ErrClosedPipe)
	<-iw.parseDone
	iw.file.Close()
	os.Remove(iw.tmpPath)
	<-r.slots
}

func (r *Receiver) release(sopInstanceUID string) {
	r.mu.Lock()
	delete(r.inFlight, sopInstanceUID)
	r.mu.Unlock()
	<-r.slots
}

// Shutdown closes the listener via the SCP's Shutdown; in-flight
// associations are aborted, not drained, and ctx's deadline is not used.
func (r *Receiver) Shutdown(ctx context.Context) error {
	return r.scp.Shutdown(ctx)
}

// GCOrphanedIncoming removes partially-written files in incoming/
// older than 2x the study timeout, spec §4.G "garbage-collected on
// startup", walked with godirwalk like the archive tree.
func GCOrphanedIncoming(baseDir, routeAE string, studyTimeout time.Duration) (int, error) {
	dir := filepath.Join(baseDir, routeAE, "incoming")
	cutoff := time.Now().Add(-2 * studyTimeout)
	removed := 0
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() || filepath.Ext(path) != ".part" {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err == nil {
					removed++
				}
			}
			return nil
		},
	})
	if err != nil && !os.IsNotExist(err) {
		rlog.Warningf("receiver: gc orphaned incoming for %s: %v", routeAE, err)
	}
	return removed, nil
}
