package core

import (
	"sync"
	"time"
)

// StudyState is the lifecycle of a Study inside the assembler/processor.
type StudyState int

const (
	StudyReceiving StudyState = iota
	StudyComplete
	StudyProcessing
	StudyCompleted
	StudyPartial
	StudyFailed
)

func (s StudyState) String() string {
	switch s {
	case StudyReceiving:
		return "RECEIVING"
	case StudyComplete:
		return "COMPLETE"
	case StudyProcessing:
		return "PROCESSING"
	case StudyCompleted:
		return "COMPLETED"
	case StudyPartial:
		return "PARTIAL"
	case StudyFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Study is identified by Study Instance UID and owns an ordered set of
// instances by arrival. Invariant: once a study advances past
// RECEIVING it is immutable in the assembler — callers outside the
// assembler must treat the Instances slice as read-only.
type Study struct {
	mu sync.Mutex

	StudyUID        string
	RouteAE         string
	CallingAE       string
	Instances       []*Instance
	ByteCount       int64
	FirstArrival    time.Time
	LastArrival     time.Time
	QuiescenceUntil time.Time
	State           StudyState
}

// NewStudy starts a study in RECEIVING state.
func NewStudy(studyUID, routeAE, callingAE string, quiescence time.Duration) *Study {
	now := time.Now()
	return &Study{
		StudyUID:        studyUID,
		RouteAE:         routeAE,
		CallingAE:       callingAE,
		FirstArrival:    now,
		LastArrival:     now,
		QuiescenceUntil: now.Add(quiescence),
		State:           StudyReceiving,
	}
}

// AddInstance appends an instance and resets the quiescence deadline.
// Returns false (no-op) if the study is no longer RECEIVING.
func (s *Study) AddInstance(inst *Instance, quiescence time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StudyReceiving {
		return false
	}
	s.Instances = append(s.Instances, inst)
	s.ByteCount += inst.Size
	s.LastArrival = time.Now()
	s.QuiescenceUntil = s.LastArrival.Add(quiescence)
	return true
}

// Quiescent reports whether no instance has arrived since the
// quiescence deadline, i.e. the study is a candidate for COMPLETE.
func (s *Study) Quiescent(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StudyReceiving && now.After(s.QuiescenceUntil)
}

// Emit transitions RECEIVING -> COMPLETE exactly once and returns a
// read-only snapshot of the instances. The second return is false if
// the study had already left RECEIVING (emitted or failed elsewhere).
func (s *Study) Emit() ([]*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StudyReceiving {
		return nil, false
	}
	s.State = StudyComplete
	out := make([]*Instance, len(s.Instances))
	copy(out, s.Instances)
	return out, true
}

// SetState advances the lifecycle post-emission (PROCESSING, COMPLETED,
// PARTIAL, FAILED). Not guarded against out-of-order calls — ownership
// of a study past COMPLETE belongs to a single Route Processor worker.
func (s *Study) SetState(st StudyState) {
	s.mu.Lock()
	s.State = st
	s.mu.Unlock()
}

func (s *Study) CurrentState() StudyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}
