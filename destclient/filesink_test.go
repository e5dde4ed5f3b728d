package destclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

func TestResolvePathSubstitutesKnownPlaceholders(t *testing.T) {
	attrs := map[string]string{
		"PatientID":        "12345",
		"StudyInstanceUID": "1.2.3.4",
	}
	got := ResolvePath("{PatientID}/{StudyInstanceUID}", attrs)
	if got != "12345/1.2.3.4" {
		t.Fatalf("ResolvePath = %q", got)
	}
}

func TestResolvePathFallsBackToUnknownForEmptyValue(t *testing.T) {
	attrs := map[string]string{"PatientID": ""}
	got := ResolvePath("{PatientID}", attrs)
	if got != "UNKNOWN" {
		t.Fatalf("ResolvePath = %q, want UNKNOWN", got)
	}
}

func TestResolvePathFallsBackToUnknownForUnresolvedPlaceholder(t *testing.T) {
	got := ResolvePath("{PatientID}/{NotProvided}", map[string]string{"PatientID": "12345"})
	if got != "12345/UNKNOWN" {
		t.Fatalf("ResolvePath = %q, want 12345/UNKNOWN", got)
	}
}

func TestResolvePathSanitizesUnsafeCharacters(t *testing.T) {
	got := ResolvePath("{PatientID}", map[string]string{"PatientID": "john doe*?"})
	if got != "john_doe__" {
		t.Fatalf("ResolvePath = %q", got)
	}
}

func TestResolvePathPreservesPathSeparatorsAndDots(t *testing.T) {
	got := ResolvePath("{Modality}/{StudyDate}.dcm", map[string]string{"Modality": "CT", "StudyDate": "20240101"})
	if got != "CT/20240101.dcm" {
		t.Fatalf("ResolvePath = %q", got)
	}
}

func TestFileSinkClientSendCopiesFiles(t *testing.T) {
	base := t.TempDir()
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "instance1.dcm")
	if err := os.WriteFile(srcPath, []byte("dicom-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := NewFileSinkClient(core.FileSinkSpec{BasePath: base, DirectoryPattern: "{PatientID}"})
	res, err := c.Send(nil, SendParams{PatientID: "98765"}, []string{srcPath})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success || res.FilesTransferred != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	copied := filepath.Join(base, "98765", "instance1.dcm")
	data, err := os.ReadFile(copied)
	if err != nil {
		t.Fatalf("copied file missing: %v", err)
	}
	if string(data) != "dicom-bytes" {
		t.Fatalf("copied file contents = %q", data)
	}
}

func TestFileSinkClientProbeFailsForMissingBase(t *testing.T) {
	c := NewFileSinkClient(core.FileSinkSpec{BasePath: filepath.Join(t.TempDir(), "does-not-exist")})
	if c.Probe(nil) {
		t.Fatalf("Probe() = true for a nonexistent base path")
	}
}
