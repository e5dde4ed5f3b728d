package anonymize

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/dicomattr"
)

// UIDHasher produces a deterministic pseudo-UID for a given source UID,
// implemented by the caller (typically backed by the crosswalk store
// plus xxhash, see builtins.go) so the engine itself stays pure.
type UIDHasher func(uidIn string) (string, error)

// Engine executes a composed Script against one decoded instance.
// QuirkDoubleShift models the "known engine quirk" from spec §9: when
// true, a shiftDateTimeByIncrement call whose target tag is also its
// own argument applies the shift twice, exactly the bug the Enhancer
// must compensate for by halving the requested days.
type Engine struct {
	UIDHash          UIDHasher
	QuirkDoubleShift bool
	// PixelAlterer is invoked for alterPixels calls; nil means no-op,
	// acceptable for routes that never reference the built-in.
	PixelAlterer func(d *dicomattr.Decoded, shape string, rect [4]int, fill int) error
}

// Run executes every statement of script against d in order.
func (e *Engine) Run(script *Script, d *dicomattr.Decoded) error {
	for _, stmt := range script.Statements {
		if err := e.exec(stmt, d); err != nil {
			return core.Wrapf(err, "anonymize: statement %q", stmt.Raw)
		}
	}
	return nil
}

func (e *Engine) exec(stmt Stmt, d *dicomattr.Decoded) error {
	if stmt.Target != nil {
		val, vr, err := e.eval(stmt.Expr, d, stmt.Target)
		if err != nil {
			return err
		}
		return dicomattr.ApplyAssignment(&d.Dataset, d.Attrs, *stmt.Target, vr, val)
	}
	// bare call
	_, _, err := e.eval(stmt.Expr, d, nil)
	return err
}

// eval evaluates expr, returning its string value and a VR hint.
// assignTarget is the tag being assigned on this statement (nil for a
// bare call), used to detect the quirk's read+write-same-tag pattern.
func (e *Engine) eval(expr Expr, d *dicomattr.Decoded, assignTarget *core.Tag) (string, string, error) {
	switch {
	case expr.Literal != "":
		return expr.Literal, "LO", nil
	case expr.Tag != nil:
		v, _ := d.Attrs.Get(*expr.Tag)
		return v, attrVR(d, *expr.Tag), nil
	case expr.Call != nil:
		return e.evalCall(*expr.Call, d, assignTarget)
	default:
		return "", "", fmt.Errorf("anonymize: empty expression")
	}
}

func attrVR(d *dicomattr.Decoded, t core.Tag) string {
	if v, ok := d.Attrs[t]; ok {
		return v.VR
	}
	return "UN"
}

func (e *Engine) evalCall(call FuncCall, d *dicomattr.Decoded, assignTarget *core.Tag) (string, string, error) {
	switch call.Name {
	case "hashUID":
		if len(call.Args) != 1 || call.Args[0].Tag == nil {
			return "", "", fmt.Errorf("hashUID: expected a single tag argument")
		}
		t := *call.Args[0].Tag
		src, _ := d.Attrs.Get(t)
		if e.UIDHash == nil {
			return "", "", fmt.Errorf("hashUID: no UID hasher configured")
		}
		out, err := e.UIDHash(src)
		if err != nil {
			return "", "", err
		}
		return out, "UI", nil

	case "shiftDateTimeByIncrement":
		if len(call.Args) != 3 || call.Args[0].Tag == nil {
			return "", "", fmt.Errorf("shiftDateTimeByIncrement: expected (tag, amount, unit)")
		}
		t := *call.Args[0].Tag
		amountStr, _, err := e.eval(call.Args[1], d, nil)
		if err != nil {
			return "", "", err
		}
		unit, _, err := e.eval(call.Args[2], d, nil)
		if err != nil {
			return "", "", err
		}
		amount, err := strconv.Atoi(amountStr)
		if err != nil {
			return "", "", fmt.Errorf("shiftDateTimeByIncrement: bad amount %q: %w", amountStr, err)
		}
		cur, _ := d.Attrs.Get(t)
		if cur == "" {
			return "", attrVR(d, t), nil // spec: "unset originals are ignored"
		}
		shifted, vr, err := shiftValue(cur, attrVR(d, t), amount, unit)
		if err != nil {
			return "", "", err
		}
		if e.QuirkDoubleShift && assignTarget != nil && *assignTarget == t {
			shifted, vr, err = shiftValue(shifted, vr, amount, unit)
			if err != nil {
				return "", "", err
			}
		}
		return shifted, vr, nil

	case "blankValues":
		// bare call: blank every tag argument in place.
		for _, a := range call.Args {
			if a.Tag == nil {
				continue
			}
			d.Attrs.Set(*a.Tag, attrVR(d, *a.Tag), "")
			_ = dicomattr.ApplyAssignment(&d.Dataset, d.Attrs, *a.Tag, attrVR(d, *a.Tag), "")
		}
		return "", "", nil

	case "alterPixels":
		if e.PixelAlterer == nil {
			return "", "", nil
		}
		if len(call.Args) != 3 {
			return "", "", fmt.Errorf("alterPixels: expected (shape, rect, fill)")
		}
		shape, _, _ := e.eval(call.Args[0], d, nil)
		rectStr, _, _ := e.eval(call.Args[1], d, nil)
		fillStr, _, _ := e.eval(call.Args[2], d, nil)
		rect, err := parseRect(rectStr)
		if err != nil {
			return "", "", err
		}
		fill, _ := strconv.Atoi(fillStr)
		return "", "", e.PixelAlterer(d, shape, rect, fill)

	default:
		return "", "", fmt.Errorf("anonymize: unknown built-in %q", call.Name)
	}
}

// parseRect parses "(x,y,w,h)", which a script passes to alterPixels as a
// quoted string literal (parseExpr reads a bare parenthesized form as a tag).
func parseRect(s string) ([4]int, error) {
	var out [4]int
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return out, fmt.Errorf("alterPixels: malformed rect %q", s)
	}
	inner := s[1 : len(s)-1]
	parts := make([]string, 0, 4)
	cur := ""
	for _, r := range inner {
		if r == ',' {
			parts = append(parts, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	parts = append(parts, cur)
	if len(parts) != 4 {
		return out, fmt.Errorf("alterPixels: rect needs 4 components, got %d", len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, fmt.Errorf("alterPixels: bad rect component %q: %w", p, err)
		}
		out[i] = n
	}
	return out, nil
}

// shiftValue shifts a DA/TM/DT-shaped value by amount of the given
// unit ("days"|"seconds"), returning the new value and VR.
func shiftValue(val, vr string, amount int, unit string) (string, string, error) {
	layout, outLayout, withDate := layoutsFor(vr, val)
	t, err := time.Parse(layout, val)
	if err != nil {
		return "", "", core.Wrapf(err, "shiftDateTimeByIncrement: parse %q as %s", val, layout)
	}
	switch unit {
	case "days":
		t = t.AddDate(0, 0, amount)
	case "seconds":
		t = t.Add(time.Duration(amount) * time.Second)
	default:
		return "", "", fmt.Errorf("shiftDateTimeByIncrement: unknown unit %q", unit)
	}
	_ = withDate
	return t.Format(outLayout), vr, nil
}

func layoutsFor(vr, val string) (parse, out string, withDate bool) {
	switch vr {
	case "TM":
		return "150405", "150405", false
	case "DT":
		return "20060102150405", "20060102150405", true
	default: // "DA" and anything else date-shaped
		return "20060102", "20060102", true
	}
}
