package anonymize

import (
	"fmt"
	"strconv"
	"strings"
)

// Enhancer composes a route's base script with optional date-shift and
// UID-hashing blocks, spec §4.B. It never emits a duplicate enhancement
// for a tag already targeted by the base script (case-insensitive
// match on the assignment target, which for a parsed Script is simply
// tag equality since both sides are normalized to (group,element)).
type Enhancer struct {
	// QuirkDoubleShift mirrors Engine.QuirkDoubleShift: when the
	// target engine double-applies same-tag read+write shifts, the
	// enhancer must halve the requested days before emission (spec §9).
	QuirkDoubleShift bool
}

// Compose builds the final script text: base, then (if enabled) the
// date-shift block, then (if enabled) the UID-hash block.
func (e *Enhancer) Compose(base string, dateShiftEnabled bool, shiftDays int, uidHashEnabled bool) (string, error) {
	baseScript, err := ParseScript(base)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(base)
	if !strings.HasSuffix(base, "\n") {
		b.WriteString("\n")
	}

	if dateShiftEnabled {
		effectiveDays := shiftDays
		if e.QuirkDoubleShift {
			effectiveDays = shiftDays / 2
		}
		b.WriteString("// enhancer: date-shift block\n")
		for _, tagExpr := range dateTimeTagExprs() {
			if alreadyTargeted(baseScript, tagExpr.tag) {
				continue
			}
			fmt.Fprintf(&b, "%s := shiftDateTimeByIncrement[%s, %q, \"days\"]\n",
				tagExpr.expr, tagExpr.expr, strconv.Itoa(effectiveDays))
		}
	}

	if uidHashEnabled {
		b.WriteString("// enhancer: uid-hash block\n")
		for _, tagExpr := range uidTagExprs() {
			if alreadyTargeted(baseScript, tagExpr.tag) {
				continue
			}
			fmt.Fprintf(&b, "%s := hashUID[%s]\n", tagExpr.expr, tagExpr.expr)
		}
	}

	return b.String(), nil
}

type taggedExpr struct {
	tag  tagKey
	expr string
}

type tagKey struct{ group, element uint16 }

func dateTimeTagExprs() []taggedExpr {
	return []taggedExpr{
		{tagKey{0x0008, 0x0020}, "(0008,0020)"}, // StudyDate
		{tagKey{0x0008, 0x0021}, "(0008,0021)"}, // SeriesDate
		{tagKey{0x0008, 0x0022}, "(0008,0022)"}, // AcquisitionDate
		{tagKey{0x0008, 0x0023}, "(0008,0023)"}, // ContentDate
		{tagKey{0x0008, 0x0030}, "(0008,0030)"}, // StudyTime
		{tagKey{0x0008, 0x0031}, "(0008,0031)"}, // SeriesTime
		{tagKey{0x0008, 0x0032}, "(0008,0032)"}, // AcquisitionTime
		{tagKey{0x0008, 0x0033}, "(0008,0033)"}, // ContentTime
		{tagKey{0x0010, 0x0030}, "(0010,0030)"}, // PatientBirthDate
	}
}

func uidTagExprs() []taggedExpr {
	return []taggedExpr{
		{tagKey{0x0020, 0x000D}, "(0020,000D)"}, // StudyInstanceUID
		{tagKey{0x0020, 0x000E}, "(0020,000E)"}, // SeriesInstanceUID
		{tagKey{0x0008, 0x0018}, "(0008,0018)"}, // SOPInstanceUID
		{tagKey{0x0020, 0x0052}, "(0020,0052)"}, // FrameOfReferenceUID
	}
}

func alreadyTargeted(script *Script, t tagKey) bool {
	for _, stmt := range script.Statements {
		if stmt.Target == nil {
			continue
		}
		if stmt.Target.Group == t.group && stmt.Target.Element == t.element {
			return true
		}
	}
	return false
}
