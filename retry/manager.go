// Package retry implements the Retry Manager from spec §4.J: scans the
// archive for FAILED/RETRY_PENDING destination statuses and schedules
// and executes retries with backoff and caps.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/archive"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destclient"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destmgr"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/rlog"
)

var (
	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "Total retry attempts per destination and outcome.",
	}, []string{"destination", "outcome"})
)

func init() { prometheus.MustRegister(attemptsTotal) }

// SendParamsFor resolves the destclient.SendParams for a (route,study)
// retry attempt. Honest-broker lookups are not repeated on retry: the
// wired implementation reads ProjectID/Subject/SessionLabel/etc. back
// from the archive's core.DestinationStatus record, which the Route
// Processor populates (from its own resolved SendParams) the first
// time it processes that destination, spec §4.J.
type SendParamsFor func(route, studyUID, destination string) (destclient.SendParams, error)

// Manager is the scheduler + worker pool described in spec §4.J.
type Manager struct {
	archive       *archive.Archive
	destMgr       *destmgr.Manager
	paramsFor     SendParamsFor
	maxRetries    int
	baseDelay     time.Duration
	exponential   bool

	mu        sync.Mutex
	scheduled map[string]context.CancelFunc // "route/study/dest" -> cancel for its one-shot timer
}

func New(ar *archive.Archive, dm *destmgr.Manager, paramsFor SendParamsFor, maxRetries int, baseDelay time.Duration, exponential bool) *Manager {
	return &Manager{
		archive: ar, destMgr: dm, paramsFor: paramsFor,
		maxRetries: maxRetries, baseDelay: baseDelay, exponential: exponential,
		scheduled: map[string]context.CancelFunc{},
	}
}

func key(route, studyUID, dest string) string { return route + "/" + studyUID + "/" + dest }

// IsRetryScheduled prevents double-enqueueing, spec §4.J.
func (m *Manager) IsRetryScheduled(route, studyUID, dest string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scheduled[key(route, studyUID, dest)]
	return ok
}

// Run starts the 5-minute scan loop described in spec §4.J. It blocks
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, routes []string) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	m.scan(ctx, routes)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx, routes)
		}
	}
}

func (m *Manager) scan(ctx context.Context, routes []string) {
	for _, route := range routes {
		studies, err := m.archive.ListArchivedStudies(route, 0)
		if err != nil {
			rlog.Warningf("retry: list studies for %s: %v", route, err)
			continue
		}
		for _, study := range studies {
			for destName, st := range study.DestinationStatuses {
				if st.Status != core.DestFailed && st.Status != core.DestRetryPending {
					continue
				}
				if st.Attempts >= m.maxRetries {
					continue // terminal, spec §4.F
				}
				m.considerRetry(ctx, route, study.StudyUID, destName, st)
			}
		}
	}
}

func (m *Manager) considerRetry(ctx context.Context, route, studyUID, destName string, st *core.DestinationStatus) {
	if m.IsRetryScheduled(route, studyUID, destName) {
		return
	}
	nextAt := st.NextRetryAt
	if nextAt.IsZero() {
		nextAt = st.LastAttemptAt.Add(m.delayFor(st.Attempts))
	}
	now := time.Now()
	if !nextAt.After(now) {
		m.submit(ctx, route, studyUID, destName, st)
		return
	}
	m.scheduleAt(ctx, route, studyUID, destName, nextAt)
}

// delayFor computes the retry delay for the given attempt count using
// sethvargo/go-retry's exponential backoff (spec §9: "exponential
// back-off is a reasonable refinement but not specified"), falling
// back to pure-linear when exponential is disabled.
func (m *Manager) delayFor(attempts int) time.Duration {
	if !m.exponential {
		return m.baseDelay
	}
	backoff, err := retry.NewExponential(m.baseDelay)
	if err != nil {
		return m.baseDelay
	}
	backoff = retry.WithMaxRetries(uint64(m.maxRetries), backoff)
	backoff = retry.WithCappedDuration(10*m.baseDelay, backoff)
	var delay time.Duration
	for i := 0; i <= attempts; i++ {
		d, stop := backoff.Next()
		if stop {
			break
		}
		delay = d
	}
	return delay
}

func (m *Manager) scheduleAt(ctx context.Context, route, studyUID, destName string, at time.Time) {
	taskCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.scheduled[key(route, studyUID, destName)] = cancel
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		select {
		case <-taskCtx.Done():
			return
		case <-timer.C:
			summary, err := m.archive.GetArchivedStudy(route, studyUID)
			if err != nil {
				return
			}
			st, ok := summary.DestinationStatuses[destName]
			if !ok {
				return
			}
			m.submit(taskCtx, route, studyUID, destName, st)
		}
	}()
}

// submit transitions the status to RETRY_PENDING (spec: "before
// submission ... observable in the archive and UI") then executes.
func (m *Manager) submit(ctx context.Context, route, studyUID, destName string, st *core.DestinationStatus) {
	if !core.AllowedTransition(st.Status, core.DestRetryPending, st.Attempts, m.maxRetries) {
		m.clearSchedule(route, studyUID, destName)
		return
	}
	st.Status = core.DestRetryPending
	_ = m.archive.UpdateDestinationStatus(route, studyUID, st)
	m.execute(ctx, route, studyUID, destName, st)
}

// execute runs the retry attempt: RETRY_PENDING -> PROCESSING,
// increment attempts, choose anonymized-or-original files, send, then
// SUCCESS or FAILED-or-scheduled-again, spec §4.J.
func (m *Manager) execute(ctx context.Context, route, studyUID, destName string, st *core.DestinationStatus) {
	defer m.clearSchedule(route, studyUID, destName)

	st.Status = core.DestProcessing
	st.Attempts++
	st.LastAttemptAt = time.Now()
	_ = m.archive.UpdateDestinationStatus(route, studyUID, st)

	summary, err := m.archive.GetArchivedStudy(route, studyUID)
	if err != nil {
		m.fail(route, studyUID, destName, st, err.Error())
		return
	}
	files := m.chooseFiles(route, summary)
	if len(files) == 0 {
		m.fail(route, studyUID, destName, st, "no files available in archive")
		return
	}

	params, err := m.paramsFor(route, studyUID, destName)
	if err != nil {
		m.fail(route, studyUID, destName, st, err.Error())
		return
	}
	_, client, _, ok := m.destMgr.Get(destName)
	if !ok {
		m.fail(route, studyUID, destName, st, "destination not registered")
		return
	}

	start := time.Now()
	send, err := client.Send(ctx, params, files)
	st.DurationMs = time.Since(start).Milliseconds()
	if err != nil || !send.Success {
		msg := "send failed"
		if err != nil {
			msg = err.Error()
		} else {
			msg = send.Message
		}
		m.fail(route, studyUID, destName, st, msg)
		return
	}

	st.Status = core.DestSuccess
	st.Message = send.Message
	_ = m.archive.UpdateDestinationStatus(route, studyUID, st)
	attemptsTotal.WithLabelValues(destName, "success").Inc()
}

func (m *Manager) fail(route, studyUID, destName string, st *core.DestinationStatus, msg string) {
	st.Message = msg
	if st.Attempts >= m.maxRetries {
		st.Status = core.DestFailed
		st.NextRetryAt = time.Time{}
		attemptsTotal.WithLabelValues(destName, "terminal_failure").Inc()
	} else {
		st.Status = core.DestFailed
		st.NextRetryAt = time.Now().Add(m.delayFor(st.Attempts))
		attemptsTotal.WithLabelValues(destName, "failure").Inc()
	}
	_ = m.archive.UpdateDestinationStatus(route, studyUID, st)
}

// chooseFiles returns the archived anonymized files whenever the study
// has any, otherwise the originals. The destination binding's anonymize
// setting is not consulted.
func (m *Manager) chooseFiles(route string, summary *core.ArchivedStudy) []string {
	if len(summary.AnonymizedFiles) > 0 {
		out := make([]string, 0, len(summary.AnonymizedFiles))
		for _, name := range summary.AnonymizedFiles {
			out = append(out, m.archive.AnonymizedFilesPath(route, summary.StudyUID, name))
		}
		return out
	}
	out := make([]string, 0, len(summary.OriginalFiles))
	for _, name := range summary.OriginalFiles {
		out = append(out, m.archive.OriginalFilesPath(route, summary.StudyUID, name))
	}
	return out
}

func (m *Manager) clearSchedule(route, studyUID, destName string) {
	m.mu.Lock()
	delete(m.scheduled, key(route, studyUID, destName))
	m.mu.Unlock()
}

// RetryDestination cancels any pending task and schedules immediately,
// spec §4.J manual API.
func (m *Manager) RetryDestination(ctx context.Context, route, studyUID, destName string) error {
	m.mu.Lock()
	if cancel, ok := m.scheduled[key(route, studyUID, destName)]; ok {
		cancel()
		delete(m.scheduled, key(route, studyUID, destName))
	}
	m.mu.Unlock()

	summary, err := m.archive.GetArchivedStudy(route, studyUID)
	if err != nil {
		return err
	}
	st, ok := summary.DestinationStatuses[destName]
	if !ok {
		return notFoundErr(destName)
	}
	m.submit(ctx, route, studyUID, destName, st)
	return nil
}

type notFoundErr string

func (n notFoundErr) Error() string { return "retry: destination status not found: " + string(n) }

// RetryAllFailed iterates every FAILED/RETRY_PENDING destination for a
// study, spec §4.J manual API.
func (m *Manager) RetryAllFailed(ctx context.Context, route, studyUID string) error {
	summary, err := m.archive.GetArchivedStudy(route, studyUID)
	if err != nil {
		return err
	}
	for name, st := range summary.DestinationStatuses {
		if st.Status == core.DestFailed || st.Status == core.DestRetryPending {
			if err := m.RetryDestination(ctx, route, studyUID, name); err != nil {
				rlog.Warningf("retry: retryAllFailed %s/%s: %v", studyUID, name, err)
			}
		}
	}
	return nil
}
