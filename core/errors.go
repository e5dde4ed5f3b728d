// Package core holds the domain data model shared by every component of
// the routing appliance: instances, studies, routes, destinations, and
// transfer records. Nothing in here touches the network or the disk.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// AssociationRefused is raised when an incoming DICOM association is
// rejected at the transport level, before any transfer record exists.
type AssociationRefused struct {
	CallingAE string
	Reason    string
}

func (e *AssociationRefused) Error() string {
	return fmt.Sprintf("association refused from %q: %s", e.CallingAE, e.Reason)
}

// ReceiveAborted means a DIMSE data stream was interrupted mid-transfer.
type ReceiveAborted struct {
	StudyUID string
	Cause    error
}

func (e *ReceiveAborted) Error() string {
	return fmt.Sprintf("receive aborted for study %s: %v", e.StudyUID, e.Cause)
}

func (e *ReceiveAborted) Unwrap() error { return e.Cause }

// AnonymizationFailed wraps a script parse or execution error.
type AnonymizationFailed struct {
	Script string
	Cause  error
}

func (e *AnonymizationFailed) Error() string {
	return fmt.Sprintf("anonymization failed (script %s): %v", e.Script, e.Cause)
}

func (e *AnonymizationFailed) Unwrap() error { return e.Cause }

// CheckFailure is one failed pre-write verifier check.
type CheckFailure struct {
	Check   string
	Detail  string
}

func (c CheckFailure) String() string {
	return fmt.Sprintf("%s: %s", c.Check, c.Detail)
}

// VerificationFailed means the anonymizer's output did not pass the
// pre-write verifier. It is never recoverable and never retried.
type VerificationFailed struct {
	StudyUID string
	Checks   []CheckFailure
}

func (e *VerificationFailed) Error() string {
	return fmt.Sprintf("verification failed for study %s: %v", e.StudyUID, e.Checks)
}

// BrokerUnavailable signals the honest broker (local or remote) could
// not service a request due to a transport or storage failure.
type BrokerUnavailable struct {
	Broker string
	Cause  error
}

func (e *BrokerUnavailable) Error() string {
	return fmt.Sprintf("broker %q unavailable: %v", e.Broker, e.Cause)
}

func (e *BrokerUnavailable) Unwrap() error { return e.Cause }

// BrokerMappingMissing means a reverse lookup found no mapping.
type BrokerMappingMissing struct {
	Broker string
	IDType string
	ID     string
}

func (e *BrokerMappingMissing) Error() string {
	return fmt.Sprintf("broker %q: no %s mapping for %q", e.Broker, e.IDType, e.ID)
}

// DestinationUnavailable is a retryable transport failure talking to a
// destination client (network error, connection refused, timeout).
type DestinationUnavailable struct {
	Destination string
	Cause       error
}

func (e *DestinationUnavailable) Error() string {
	return fmt.Sprintf("destination %q unavailable: %v", e.Destination, e.Cause)
}

func (e *DestinationUnavailable) Unwrap() error { return e.Cause }

// DestinationRejected is a non-retryable (or conditionally retryable,
// see Retryable) rejection carrying the protocol-specific status.
type DestinationRejected struct {
	Destination string
	HTTPStatus  int
	DimseStatus uint16
	Message     string
	Retryable   bool
}

func (e *DestinationRejected) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("destination %q rejected: http %d: %s", e.Destination, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("destination %q rejected: dimse 0x%04X: %s", e.Destination, e.DimseStatus, e.Message)
}

// IdGenerationExhausted means the crosswalk store could not allocate a
// collision-free id_out within its retry budget.
type IdGenerationExhausted struct {
	Broker string
	IDType string
	IDIn   string
	Tries  int
}

func (e *IdGenerationExhausted) Error() string {
	return fmt.Sprintf("broker %q: exhausted %d id-generation attempts for %s %q", e.Broker, e.Tries, e.IDType, e.IDIn)
}

// ArchiveIOFailed wraps a disk error while persisting to the study
// archive. The caller must leave the study in incoming/ for operator
// intervention rather than silently dropping it.
type ArchiveIOFailed struct {
	StudyUID string
	Cause    error
}

func (e *ArchiveIOFailed) Error() string {
	return fmt.Sprintf("archive i/o failed for study %s: %v", e.StudyUID, e.Cause)
}

func (e *ArchiveIOFailed) Unwrap() error { return e.Cause }

// Wrap attaches a causal message to err using the teacher's pkg/errors
// convention; nil-safe.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
