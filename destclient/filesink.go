package destclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lufia/iostat"
	"golang.org/x/sys/unix"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

// FileSinkClient copies files into a subdirectory derived from a
// pattern over study attributes, spec §4.D.
type FileSinkClient struct {
	spec core.FileSinkSpec
}

func NewFileSinkClient(spec core.FileSinkSpec) *FileSinkClient {
	return &FileSinkClient{spec: spec}
}

var unsafeChar = regexp.MustCompile(`[^A-Za-z0-9_/.\-]`)

// ResolvePath implements spec §4.D's placeholder substitution:
// unresolved placeholders become "UNKNOWN"; characters outside
// [A-Za-z0-9_/.-] become "_".
func ResolvePath(pattern string, attrs map[string]string) string {
	out := pattern
	for key, val := range attrs {
		ph := "{" + key + "}"
		if val == "" {
			val = "UNKNOWN"
		}
		out = strings.ReplaceAll(out, ph, val)
	}
	out = resolveRemaining(out)
	return unsafeChar.ReplaceAllString(out, "_")
}

var remainingPlaceholder = regexp.MustCompile(`\{[A-Za-z0-9_]+\}`)

func resolveRemaining(s string) string {
	return remainingPlaceholder.ReplaceAllString(s, "UNKNOWN")
}

// Probe checks the base directory exists, is writable, and (per
// SPEC_FULL §4.D) has usable free space via golang.org/x/sys/unix.Statfs.
func (c *FileSinkClient) Probe(ctx context.Context) bool {
	info, err := os.Stat(c.spec.BasePath)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := filepath.Join(c.spec.BasePath, ".probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)

	var st unix.Statfs_t
	if err := unix.Statfs(c.spec.BasePath, &st); err != nil {
		return false
	}
	return st.Bfree > 0
}

func (c *FileSinkClient) Send(ctx context.Context, params SendParams, files []string) (core.SendResult, error) {
	start := time.Now()
	attrs := map[string]string{
		"StudyInstanceUID": params.StudyUID,
		"PatientID":        params.PatientID,
		"Modality":         params.Modality,
		"StudyDate":        params.StudyDate,
		"CallingAE":        params.CallingAE,
	}
	subdir := ResolvePath(c.spec.DirectoryPattern, attrs)
	dest := filepath.Join(c.spec.BasePath, subdir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return core.SendResult{}, &core.DestinationUnavailable{Destination: "file", Cause: err}
	}
	copied := 0
	for _, p := range files {
		if err := copyFile(p, filepath.Join(dest, filepath.Base(p))); err != nil {
			return core.SendResult{Success: false, FilesTransferred: copied, Duration: time.Since(start), Message: err.Error(), Retryable: true}, nil
		}
		copied++
	}
	return core.SendResult{Success: true, FilesTransferred: copied, Duration: time.Since(start), Message: "copied"}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	out.Close()
	return os.Rename(tmp, dst)
}

func (c *FileSinkClient) Close() error { return nil }

// DiskUtilization attaches a one-line device-utilization snapshot to a
// file destination's health record, spec §4.L. Returns ("", false) on
// any platform/permission error — this is best-effort ambient
// observability, never a probe failure.
func (c *FileSinkClient) DiskUtilization() (string, bool) {
	drives, err := iostat.ReadDriveStats()
	if err != nil || len(drives) == 0 {
		return "", false
	}
	d := drives[0]
	return fmt.Sprintf("%s: %d reads, %d writes", d.Name, d.ReadCount, d.WriteCount), true
}
