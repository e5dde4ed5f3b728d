package routeproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/anonymize"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/archive"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/broker"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destclient"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destmgr"
)

type fakeProcClient struct {
	calls []destclient.SendParams
}

func (f *fakeProcClient) Probe(ctx context.Context) bool { return true }
func (f *fakeProcClient) Send(ctx context.Context, params destclient.SendParams, files []string) (core.SendResult, error) {
	f.calls = append(f.calls, params)
	return core.SendResult{Success: true, FilesTransferred: len(files)}, nil
}
func (f *fakeProcClient) Close() error { return nil }

func newTestProcessor(t *testing.T, client destclient.Client) (*Processor, string) {
	t.Helper()
	baseDir := t.TempDir()
	ar := archive.New(filepath.Join(baseDir, "archive"))
	dm := destmgr.New(func(core.Destination) (destclient.Client, error) { return client, nil }, 2)
	if err := dm.Add(core.Destination{Name: "xnat1", Enabled: true, Kind: core.KindXNAT}); err != nil {
		t.Fatalf("dm.Add: %v", err)
	}
	noBroker := func(string) (broker.Broker, bool) { return nil, false }
	noHasher := func(string) anonymize.UIDHasher { return nil }
	loadScript := func(string) (string, error) { return "", nil }

	route := core.Route{
		AETitle: "TESTAE",
		Destinations: []core.DestinationBinding{
			{
				Destination: "xnat1", Enabled: true, Anonymize: false,
				ProjectID: "PROJ1", SubjectPrefix: "SUBJ-", SessionPrefix: "SESS-",
				AutoArchive: true,
			},
		},
	}
	return New(route, baseDir, ar, dm, noBroker, noHasher, loadScript), baseDir
}

func newTestInstance(t *testing.T, baseDir string) *core.Instance {
	t.Helper()
	path := filepath.Join(baseDir, "inst.dcm")
	if err := os.WriteFile(path, []byte("dcm"), 0o644); err != nil {
		t.Fatalf("write instance: %v", err)
	}
	attrs := core.Attrs{}
	attrs.Set(core.TagPatientID, "LO", "PAT001")
	attrs.Set(core.TagStudyDate, "DA", "20260101")
	attrs.Set(core.TagModality, "CS", "MR")
	return &core.Instance{SOPInstanceUID: "1.2.840.SOP1", StudyUID: "1.2.840.STUDY1", Path: path, Size: 3, Attrs: attrs}
}

// TestProcessPersistsResolvedSendParamsForRetry is the regression case
// for the Retry Manager wiring: a study's first (successful) send must
// leave behind a DestinationStatus carrying the identifiers a later
// retry needs to rebuild the same SendParams.
func TestProcessPersistsResolvedSendParamsForRetry(t *testing.T) {
	client := &fakeProcClient{}
	p, baseDir := newTestProcessor(t, client)
	study := core.NewStudy("1.2.840.STUDY1", "TESTAE", "MODALITY1", time.Second)
	inst := newTestInstance(t, baseDir)

	rec := p.Process(context.Background(), study, []*core.Instance{inst})
	if rec.Status != core.TransferCompleted {
		t.Fatalf("transfer status = %v, want COMPLETED: %+v", rec.Status, rec)
	}

	if len(client.calls) != 1 {
		t.Fatalf("expected exactly one Send call, got %d", len(client.calls))
	}
	sent := client.calls[0]
	if sent.ProjectID != "PROJ1" || sent.Subject != "SUBJ-PAT001" || sent.SessionLabel != "SESS-PAT001" {
		t.Fatalf("Send called with unexpected params: %+v", sent)
	}

	summary, err := p.archive.GetArchivedStudy("TESTAE", "1.2.840.STUDY1")
	if err != nil {
		t.Fatalf("GetArchivedStudy: %v", err)
	}
	st, ok := summary.DestinationStatuses["xnat1"]
	if !ok {
		t.Fatalf("no persisted destination status for xnat1")
	}
	if st.ProjectID != "PROJ1" || st.Subject != "SUBJ-PAT001" || st.SessionLabel != "SESS-PAT001" {
		t.Fatalf("persisted DestinationStatus missing resolved identifiers: %+v", st)
	}
	if !st.AutoArchive {
		t.Fatalf("persisted DestinationStatus lost AutoArchive")
	}
	if st.CallingAE != "MODALITY1" || st.PatientID != "PAT001" || st.Modality != "MR" || st.StudyDate != "20260101" {
		t.Fatalf("persisted DestinationStatus missing study-derived identifiers: %+v", st)
	}
}
