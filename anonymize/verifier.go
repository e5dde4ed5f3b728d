package anonymize

import (
	"fmt"
	"time"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/dicomattr"
)

// VerifierConfig toggles the individual checks, spec §4.B "Verifier
// ... (configurable)".
type VerifierConfig struct {
	CheckUIDsDiffer     bool
	CheckPatientDiffers bool
	ExpectedShiftDays   int // 0 means "not set", spec: ignored when unset
	CheckExpectedShift  bool
}

// DefaultVerifierConfig enables the UID and patient-identity checks; the
// expected-shift check stays off until a caller sets CheckExpectedShift
// and ExpectedShiftDays for a known shift.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{CheckUIDsDiffer: true, CheckPatientDiffers: true, CheckExpectedShift: false}
}

// Verify runs the pre-write checks from spec §4.B against an
// anonymized instance, original, returning a *core.VerificationFailed
// listing every failed check (not just the first), or nil.
func Verify(cfg VerifierConfig, original, anonymized *dicomattr.Decoded) error {
	var failures []core.CheckFailure

	if cfg.CheckUIDsDiffer {
		failures = append(failures, diffCheck(original, anonymized, core.TagStudyInstanceUID, "StudyInstanceUID")...)
		failures = append(failures, diffCheck(original, anonymized, core.TagSeriesInstanceUID, "SeriesInstanceUID")...)
		failures = append(failures, diffCheck(original, anonymized, core.TagSOPInstanceUID, "SOPInstanceUID")...)
	}

	if cfg.CheckPatientDiffers {
		failures = append(failures, diffCheck(original, anonymized, core.TagPatientName, "PatientName")...)
		failures = append(failures, diffCheck(original, anonymized, core.TagPatientID, "PatientID")...)
	}

	if cfg.CheckExpectedShift && cfg.ExpectedShiftDays != 0 {
		for _, t := range core.DateTimeTags {
			failures = append(failures, shiftCheck(original, anonymized, t, cfg.ExpectedShiftDays)...)
		}
	}

	if len(failures) > 0 {
		studyUID, _ := anonymized.Attrs.Get(core.TagStudyInstanceUID)
		return &core.VerificationFailed{StudyUID: studyUID, Checks: failures}
	}
	return nil
}

func diffCheck(orig, anon *dicomattr.Decoded, t core.Tag, name string) []core.CheckFailure {
	o, _ := orig.Attrs.Get(t)
	a, _ := anon.Attrs.Get(t)
	if o != "" && o == a {
		return []core.CheckFailure{{Check: name, Detail: fmt.Sprintf("unchanged value %q", a)}}
	}
	return nil
}

func shiftCheck(orig, anon *dicomattr.Decoded, t core.Tag, expectedDays int) []core.CheckFailure {
	o, ok := orig.Attrs.Get(t)
	if !ok || o == "" {
		return nil // spec: "unset originals are ignored"
	}
	a, ok := anon.Attrs.Get(t)
	if !ok || a == "" {
		return []core.CheckFailure{{Check: "DateShift:" + tagName(t), Detail: "anonymized value missing"}}
	}
	origDay, err1 := parseDay(o)
	anonDay, err2 := parseDay(a)
	if err1 != nil || err2 != nil {
		return nil // non-date-shaped value (e.g. TM-only); handled by the DA pair instead
	}
	gotDays := int(anonDay.Sub(origDay).Hours() / 24)
	if gotDays != expectedDays {
		return []core.CheckFailure{{
			Check:  "DateShift:" + tagName(t),
			Detail: fmt.Sprintf("expected shift of %d day(s), got %d (orig=%s anon=%s)", expectedDays, gotDays, o, a),
		}}
	}
	return nil
}

func parseDay(s string) (time.Time, error) {
	if len(s) < 8 {
		return time.Time{}, fmt.Errorf("not a date: %q", s)
	}
	return time.Parse("20060102", s[:8])
}

func tagName(t core.Tag) string {
	switch t {
	case core.TagStudyDate:
		return "StudyDate"
	case core.TagSeriesDate:
		return "SeriesDate"
	case core.TagAcquisitionDate:
		return "AcquisitionDate"
	case core.TagContentDate:
		return "ContentDate"
	case core.TagPatientBirthDate:
		return "PatientBirthDate"
	default:
		return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
	}
}
