package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

func persistOneDestStudy(t *testing.T, ar *Archive, route, studyUID string) *core.ArchivedStudy {
	t.Helper()
	origPath := t.TempDir() + "/inst.dcm"
	if err := os.WriteFile(origPath, []byte("dcm"), 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}
	summary, err := ar.PersistStudy(route, studyUID, []string{origPath}, nil, []string{"xnat1"})
	if err != nil {
		t.Fatalf("PersistStudy: %v", err)
	}
	return summary
}

func backdate(t *testing.T, ar *Archive, route, studyUID string, age time.Duration) {
	t.Helper()
	summary, err := ar.GetArchivedStudy(route, studyUID)
	if err != nil {
		t.Fatalf("GetArchivedStudy: %v", err)
	}
	summary.ArchivedAt = time.Now().Add(-age)
	if err := writeStudySummary(filepath.Join(ar.studyDir(route, studyUID), "study.json"), summary); err != nil {
		t.Fatalf("backdate study.json: %v", err)
	}
}

func TestPersistStudyThenGetArchivedStudyRoundTrips(t *testing.T) {
	ar := New(t.TempDir())
	summary := persistOneDestStudy(t, ar, "ROUTEAE", "1.2.840.STUDY1")
	if len(summary.OriginalFiles) != 1 {
		t.Fatalf("OriginalFiles = %v, want 1 entry", summary.OriginalFiles)
	}
	got, err := ar.GetArchivedStudy("ROUTEAE", "1.2.840.STUDY1")
	if err != nil {
		t.Fatalf("GetArchivedStudy: %v", err)
	}
	if got.StudyUID != "1.2.840.STUDY1" || got.RouteAE != "ROUTEAE" {
		t.Fatalf("round-tripped summary mismatch: %+v", got)
	}
	st, ok := got.DestinationStatuses["xnat1"]
	if !ok || st.Status != core.DestPending {
		t.Fatalf("destination status not initialized to PENDING: %+v", got.DestinationStatuses)
	}
}

func TestUpdateDestinationStatusPersistsResolvedIdentifiers(t *testing.T) {
	ar := New(t.TempDir())
	persistOneDestStudy(t, ar, "ROUTEAE", "1.2.840.STUDY1")

	st := &core.DestinationStatus{
		Destination: "xnat1", Status: core.DestFailed, Attempts: 1,
		ProjectID: "PROJ1", Subject: "SUBJ-001", SessionLabel: "SUBJ-001_MR1",
	}
	if err := ar.UpdateDestinationStatus("ROUTEAE", "1.2.840.STUDY1", st); err != nil {
		t.Fatalf("UpdateDestinationStatus: %v", err)
	}

	got, err := ar.GetArchivedStudy("ROUTEAE", "1.2.840.STUDY1")
	if err != nil {
		t.Fatalf("GetArchivedStudy: %v", err)
	}
	reread := got.DestinationStatuses["xnat1"]
	if reread.ProjectID != "PROJ1" || reread.Subject != "SUBJ-001" || reread.SessionLabel != "SUBJ-001_MR1" {
		t.Fatalf("resolved identifiers not persisted: %+v", reread)
	}
}

// TestCleanSparesRetryableFailedDestination is the regression case for
// a study whose only destination is FAILED but still has attempts
// remaining: it must survive a retention sweep even though it is past
// the cutoff, because it is not yet terminal.
func TestCleanSparesRetryableFailedDestination(t *testing.T) {
	ar := New(t.TempDir())
	persistOneDestStudy(t, ar, "ROUTEAE", "1.2.840.STUDY1")
	st := &core.DestinationStatus{Destination: "xnat1", Status: core.DestFailed, Attempts: 1}
	if err := ar.UpdateDestinationStatus("ROUTEAE", "1.2.840.STUDY1", st); err != nil {
		t.Fatalf("UpdateDestinationStatus: %v", err)
	}
	backdate(t, ar, "ROUTEAE", "1.2.840.STUDY1", 30*24*time.Hour)

	const maxRetries = 5
	removed, err := ar.Clean(7, maxRetries)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Clean removed %d studies, want 0 (destination still retryable)", removed)
	}
	if _, err := ar.GetArchivedStudy("ROUTEAE", "1.2.840.STUDY1"); err != nil {
		t.Fatalf("study was removed despite a retryable FAILED destination: %v", err)
	}
}

// TestCleanRemovesTerminallyFailedDestination is the companion case: once
// Attempts reaches maxRetries, FAILED is terminal and the study is
// eligible for cleanup once past the cutoff.
func TestCleanRemovesTerminallyFailedDestination(t *testing.T) {
	ar := New(t.TempDir())
	persistOneDestStudy(t, ar, "ROUTEAE", "1.2.840.STUDY2")
	const maxRetries = 5
	st := &core.DestinationStatus{Destination: "xnat1", Status: core.DestFailed, Attempts: maxRetries}
	if err := ar.UpdateDestinationStatus("ROUTEAE", "1.2.840.STUDY2", st); err != nil {
		t.Fatalf("UpdateDestinationStatus: %v", err)
	}
	backdate(t, ar, "ROUTEAE", "1.2.840.STUDY2", 30*24*time.Hour)

	removed, err := ar.Clean(7, maxRetries)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Clean removed %d studies, want 1 (destination terminally failed)", removed)
	}
	if _, err := ar.GetArchivedStudy("ROUTEAE", "1.2.840.STUDY2"); err == nil {
		t.Fatalf("study still present after Clean should have removed it")
	}
}

func TestCleanSparesStudiesNewerThanCutoff(t *testing.T) {
	ar := New(t.TempDir())
	persistOneDestStudy(t, ar, "ROUTEAE", "1.2.840.STUDY3")
	st := &core.DestinationStatus{Destination: "xnat1", Status: core.DestSuccess}
	if err := ar.UpdateDestinationStatus("ROUTEAE", "1.2.840.STUDY3", st); err != nil {
		t.Fatalf("UpdateDestinationStatus: %v", err)
	}

	removed, err := ar.Clean(7, 5)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Clean removed %d studies, want 0 (study is newer than the retention cutoff)", removed)
	}
}
