/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package receiver

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/assembler"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/dcmnet"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/dicomattr"
)

// fakeParseStream drains r (as the real parser would) and returns a
// canned decode result, letting tests exercise the streaming/fragment
// plumbing without a byte-perfect DICOM fixture.
func fakeParseStream(studyUID string, wantBody []byte, readErr error) func(io.Reader) (*dicomattr.Decoded, error) {
	return func(r io.Reader) (*dicomattr.Decoded, error) {
		got, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if readErr != nil {
			return nil, readErr
		}
		if wantBody != nil && !bytes.Equal(got, wantBody) {
			return nil, errBodyMismatch(len(got))
		}
		return &dicomattr.Decoded{Attrs: core.Attrs{}, StudyUID: studyUID}, nil
	}
}

type errBodyMismatch int

func (e errBodyMismatch) Error() string { return "fakeParseStream: unexpected body length" }

func newTestReceiver(t *testing.T) (*Receiver, *[]string) {
	t.Helper()
	baseDir := t.TempDir()
	var emitted []string
	asm := assembler.New("TESTAE", filepath.Join(baseDir, "late"), func(study *core.Study, instances []*core.Instance) {
		emitted = append(emitted, study.StudyUID)
	})
	r := &Receiver{
		route:     core.Route{AETitle: "TESTAE", WorkerThreads: 2, StudyTimeoutSeconds: 30},
		baseDir:   baseDir,
		assembler: asm,
		slots:     make(chan struct{}, 2),
		inFlight:  map[string]*instanceWrite{},
	}
	return r, &emitted
}

func TestHandleFragmentWritesAllFragmentsAndEnqueues(t *testing.T) {
	r, _ := newTestReceiver(t)
	body := []byte("fragment-one|fragment-two|fragment-three")
	parseStream = fakeParseStream("1.2.840.STUDY1", body, nil)
	defer func() { parseStream = dicomattr.ParseStream }()

	meta := dcmnet.StoreMeta{CallingAE: "MODALITY1", SOPInstanceUID: "1.2.840.SOP1", SOPClassUID: "1.2.840.10008.5.1.4.1.1.2", TransferSyntax: "1.2.840.10008.1.2.1"}
	parts := bytes.SplitAfter(body, []byte("|"))
	for i, p := range parts {
		last := i == len(parts)-1
		if err := r.handleFragment(context.Background(), meta, p, last); err != nil {
			t.Fatalf("handleFragment fragment %d: %v", i, err)
		}
	}

	path := filepath.Join(r.baseDir, "TESTAE", "incoming", "1.2.840.STUDY1", "1.2.840.SOP1.dcm")
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written instance: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("written file = %q, want %q", got, body)
	}
}

func TestHandleFragmentReleasesSlotAfterCompletion(t *testing.T) {
	r, _ := newTestReceiver(t)
	parseStream = fakeParseStream("1.2.840.STUDY2", []byte("x"), nil)
	defer func() { parseStream = dicomattr.ParseStream }()

	meta := dcmnet.StoreMeta{CallingAE: "MODALITY1", SOPInstanceUID: "1.2.840.SOP2"}
	if err := r.handleFragment(context.Background(), meta, []byte("x"), true); err != nil {
		t.Fatalf("handleFragment: %v", err)
	}
	if len(r.slots) != 0 {
		t.Fatalf("worker slot not released after a completed instance, len=%d", len(r.slots))
	}
	if _, ok := r.inFlight["1.2.840.SOP2"]; ok {
		t.Fatalf("in-flight entry not cleaned up after completion")
	}
}

func TestHandleFragmentRejectsWhenPoolSaturated(t *testing.T) {
	r, _ := newTestReceiver(t)
	r.slots = make(chan struct{}, 1)
	r.slots <- struct{}{} // saturate the single slot

	meta := dcmnet.StoreMeta{CallingAE: "MODALITY1", SOPInstanceUID: "1.2.840.SOP3"}
	err := r.handleFragment(context.Background(), meta, []byte("x"), false)
	if err == nil {
		t.Fatalf("expected AssociationRefused when the worker pool is saturated")
	}
	if _, ok := err.(*core.AssociationRefused); !ok {
		t.Fatalf("expected *core.AssociationRefused, got %T", err)
	}
}

func TestHandleFragmentRejectsInstanceMissingStudyUID(t *testing.T) {
	r, _ := newTestReceiver(t)
	parseStream = fakeParseStream("", []byte("x"), nil) // no StudyInstanceUID decoded
	defer func() { parseStream = dicomattr.ParseStream }()

	meta := dcmnet.StoreMeta{CallingAE: "MODALITY1", SOPInstanceUID: "1.2.840.SOP4"}
	err := r.handleFragment(context.Background(), meta, []byte("x"), true)
	if err == nil {
		t.Fatalf("expected an error for an instance with no StudyInstanceUID")
	}
	if len(r.slots) != 0 {
		t.Fatalf("worker slot leaked after rejecting an instance with no StudyInstanceUID")
	}
	if _, err := os.Stat(filepath.Join(r.baseDir, "TESTAE", "incoming", "1.2.840.SOP4.part")); !os.IsNotExist(err) {
		t.Fatalf("partial file was not cleaned up")
	}
}

func TestHandleFragmentStreamsMultipleConcurrentInstances(t *testing.T) {
	r, _ := newTestReceiver(t)
	parseStream = func(rd io.Reader) (*dicomattr.Decoded, error) {
		body, err := io.ReadAll(rd)
		if err != nil {
			return nil, err
		}
		return &dicomattr.Decoded{Attrs: core.Attrs{}, StudyUID: "STUDY-" + string(body[:1])}, nil
	}
	defer func() { parseStream = dicomattr.ParseStream }()

	metaA := dcmnet.StoreMeta{CallingAE: "MODALITY1", SOPInstanceUID: "SOP-A"}
	metaB := dcmnet.StoreMeta{CallingAE: "MODALITY1", SOPInstanceUID: "SOP-B"}

	if err := r.handleFragment(context.Background(), metaA, []byte("A"), false); err != nil {
		t.Fatalf("begin A: %v", err)
	}
	if err := r.handleFragment(context.Background(), metaB, []byte("B"), false); err != nil {
		t.Fatalf("begin B: %v", err)
	}
	if err := r.handleFragment(context.Background(), metaA, nil, true); err != nil {
		t.Fatalf("finish A: %v", err)
	}
	if err := r.handleFragment(context.Background(), metaB, nil, true); err != nil {
		t.Fatalf("finish B: %v", err)
	}

	if _, err := os.Stat(filepath.Join(r.baseDir, "TESTAE", "incoming", "STUDY-A", "SOP-A.dcm")); err != nil {
		t.Fatalf("instance A not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.baseDir, "TESTAE", "incoming", "STUDY-B", "SOP-B.dcm")); err != nil {
		t.Fatalf("instance B not written: %v", err)
	}
}
