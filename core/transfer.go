package core

import "time"

// TransferStatus is the per-(study,route) transfer record status.
type TransferStatus int

const (
	TransferReceived TransferStatus = iota
	TransferProcessing
	TransferForwarding
	TransferCompleted
	TransferPartial
	TransferFailed
)

func (s TransferStatus) String() string {
	switch s {
	case TransferReceived:
		return "RECEIVED"
	case TransferProcessing:
		return "PROCESSING"
	case TransferForwarding:
		return "FORWARDING"
	case TransferCompleted:
		return "COMPLETED"
	case TransferPartial:
		return "PARTIAL"
	case TransferFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DestStatus is the per-destination result status within a transfer
// record or an archived destination status record.
type DestStatus int

const (
	DestPending DestStatus = iota
	DestProcessing
	DestSuccess
	DestFailed
	DestRetryPending
)

func (s DestStatus) String() string {
	switch s {
	case DestPending:
		return "PENDING"
	case DestProcessing:
		return "PROCESSING"
	case DestSuccess:
		return "SUCCESS"
	case DestFailed:
		return "FAILED"
	case DestRetryPending:
		return "RETRY_PENDING"
	default:
		return "UNKNOWN"
	}
}

// DestinationResult is one row of a transfer record's per-destination
// results, spec §3.
type DestinationResult struct {
	Name             string
	Status           DestStatus
	Message          string
	Duration         time.Duration
	FilesTransferred int
	Attempts         int
	LastAttemptAt    time.Time
	NextRetryAt      time.Time

	// Resolved identifiers the Route Processor computed for this
	// destination (honest-broker lookups, project binding, etc.), spec
	// §4.J "the archive's status record ... captures any honest-broker
	// resolved subject/session". Carried through to DestinationStatus
	// so a later retry can rebuild SendParams without re-resolving.
	ProjectID    string
	Subject      string
	SessionLabel string
	CallingAE    string
	PatientID    string
	Modality     string
	StudyDate    string
	AutoArchive  bool
}

// TransferRecord is the per-(study,route) row described in spec §3.
type TransferRecord struct {
	ID         string
	StudyUID   string
	RouteAE    string
	ArrivalTime time.Time
	FileCount  int
	TotalBytes int64
	Status     TransferStatus
	Results    []DestinationResult
}

// Recompute implements spec's "when every destination result is
// terminal, the transfer advances to COMPLETED / PARTIAL / FAILED".
// Terminal means SUCCESS or FAILED (RETRY_PENDING keeps it FORWARDING).
func (t *TransferRecord) Recompute() {
	allTerminal := true
	anySuccess := false
	anyFailure := false
	for _, r := range t.Results {
		switch r.Status {
		case DestSuccess:
			anySuccess = true
		case DestFailed:
			anyFailure = true
		default:
			allTerminal = false
		}
	}
	if !allTerminal {
		t.Status = TransferForwarding
		return
	}
	switch {
	case anySuccess && !anyFailure:
		t.Status = TransferCompleted
	case anySuccess && anyFailure:
		t.Status = TransferPartial
	default:
		t.Status = TransferFailed
	}
}

// ResultFor returns a pointer to the named destination's result row,
// appending one in PENDING state if absent.
func (t *TransferRecord) ResultFor(name string) *DestinationResult {
	for i := range t.Results {
		if t.Results[i].Name == name {
			return &t.Results[i]
		}
	}
	t.Results = append(t.Results, DestinationResult{Name: name, Status: DestPending})
	return &t.Results[len(t.Results)-1]
}

// DestinationStatus is the durable archive-side record, spec §4.F.
// Conceptually the same row as DestinationResult but persisted
// independently per destination under archive/<route>/<study>/status/.
type DestinationStatus struct {
	Destination   string
	Status        DestStatus
	Attempts      int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	DurationMs    int64
	Message       string
	ErrorDetails  string

	// Resolved send identifiers, copied in from the originating
	// DestinationResult the first time this destination is processed
	// so a later Retry Manager pass can rebuild SendParams from the
	// archive alone, spec §4.J.
	ProjectID    string
	Subject      string
	SessionLabel string
	CallingAE    string
	PatientID    string
	Modality     string
	StudyDate    string
	AutoArchive  bool
}

// AllowedTransition implements spec §4.F's status transition table:
// PENDING -> PROCESSING -> {SUCCESS, FAILED}; FAILED -> RETRY_PENDING ->
// PROCESSING -> ... until attempts >= max_retries when FAILED is terminal.
func AllowedTransition(from, to DestStatus, attempts, maxRetries int) bool {
	switch from {
	case DestPending:
		return to == DestProcessing
	case DestProcessing:
		return to == DestSuccess || to == DestFailed
	case DestFailed:
		if attempts >= maxRetries {
			return false // terminal
		}
		return to == DestRetryPending
	case DestRetryPending:
		return to == DestProcessing
	case DestSuccess:
		return false // terminal
	default:
		return false
	}
}

// ArchivedStudy is the durable record described in spec §3/§4.F.
type ArchivedStudy struct {
	StudyUID            string
	RouteAE             string
	ArchivedAt          time.Time
	OriginalFiles       []string
	AnonymizedFiles     []string
	DestinationStatuses map[string]*DestinationStatus
}
