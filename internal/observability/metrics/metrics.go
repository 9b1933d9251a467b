package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, queue activity, lease extensions, transcode job lifecycle,
// quota admission decisions, and segment generation. It coordinates
// concurrent writers via a RWMutex while exposing a thread-safe gauge for
// active job tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	queueEvents     map[string]uint64
	leaseExtensions map[string]uint64
	jobEvents       map[string]uint64
	activeJobs      atomic.Int64
	quotaDecisions  map[string]uint64
	segmentsCreated atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		queueEvents:     make(map[string]uint64),
		leaseExtensions: make(map[string]uint64),
		jobEvents:       make(map[string]uint64),
		quotaDecisions:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveQueueEvent counts a queue lifecycle event, keyed by event name
// (e.g. "enqueue", "receive", "delete", "redelivery").
func (r *Recorder) ObserveQueueEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.queueEvents[name]++
	r.mu.Unlock()
}

// ObserveLeaseExtension counts a lease extension outcome, "ok" or "failed".
func (r *Recorder) ObserveLeaseExtension(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.leaseExtensions[name]++
	r.mu.Unlock()
}

// JobStarted records a job lifecycle start and increments the active job
// gauge atomically so concurrent workers remain consistent.
func (r *Recorder) JobStarted() {
	r.incrementJobEvent("start")
	r.activeJobs.Add(1)
}

// JobCompleted records a successful job and decrements the active gauge.
func (r *Recorder) JobCompleted() {
	r.incrementJobEvent("complete")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed job and decrements the active gauge, guarding
// against negative counts when concurrent updates race.
func (r *Recorder) JobFailed() {
	r.incrementJobEvent("fail")
	r.decrementGauge(&r.activeJobs)
}

// JobAbandoned records an attempt given up without a terminal outcome, such
// as a lost lease or worker shutdown, and decrements the active gauge.
func (r *Recorder) JobAbandoned() {
	r.incrementJobEvent("abandoned")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) incrementJobEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.jobEvents[name]++
	r.mu.Unlock()
}

// ObserveQuotaDecision counts an admission outcome, "allowed" or "denied".
func (r *Recorder) ObserveQuotaDecision(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.quotaDecisions[name]++
	r.mu.Unlock()
}

// ObserveSegmentsCreated adds to the running total of segment rows written.
func (r *Recorder) ObserveSegmentsCreated(count int) {
	if count > 0 {
		r.segmentsCreated.Add(int64(count))
	}
}

// ActiveJobs exposes the current gauge of concurrently running jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns copies of job event counters and the current active job
// gauge value for testing and reporting purposes.
func (r *Recorder) JobCounts() (events map[string]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// QuotaCounts returns a copy of the quota decision counters.
func (r *Recorder) QuotaCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decisions := make(map[string]uint64, len(r.quotaDecisions))
	for k, v := range r.quotaDecisions {
		decisions[k] = v
	}
	return decisions
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.queueEvents = make(map[string]uint64)
	r.leaseExtensions = make(map[string]uint64)
	r.jobEvents = make(map[string]uint64)
	r.quotaDecisions = make(map[string]uint64)
	r.activeJobs.Store(0)
	r.segmentsCreated.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	queueEvents := sortedKeys(r.queueEvents)
	leaseOutcomes := sortedKeys(r.leaseExtensions)
	jobEvents := sortedKeys(r.jobEvents)
	quotaOutcomes := sortedKeys(r.quotaDecisions)

	fmt.Fprintln(w, "# HELP clipforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE clipforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "clipforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP clipforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE clipforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "clipforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP clipforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE clipforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "clipforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP clipforge_queue_events_total Queue lifecycle events by type")
	fmt.Fprintln(w, "# TYPE clipforge_queue_events_total counter")
	for _, event := range queueEvents {
		fmt.Fprintf(w, "clipforge_queue_events_total{event=\"%s\"} %d\n", event, r.queueEvents[event])
	}

	fmt.Fprintln(w, "# HELP clipforge_lease_extensions_total Lease extension attempts by outcome")
	fmt.Fprintln(w, "# TYPE clipforge_lease_extensions_total counter")
	for _, outcome := range leaseOutcomes {
		fmt.Fprintf(w, "clipforge_lease_extensions_total{outcome=\"%s\"} %d\n", outcome, r.leaseExtensions[outcome])
	}

	fmt.Fprintln(w, "# HELP clipforge_transcode_jobs_total Transcode job events by status")
	fmt.Fprintln(w, "# TYPE clipforge_transcode_jobs_total counter")
	for _, event := range jobEvents {
		fmt.Fprintf(w, "clipforge_transcode_jobs_total{status=\"%s\"} %d\n", event, r.jobEvents[event])
	}

	fmt.Fprintln(w, "# HELP clipforge_transcode_active_jobs Current number of running transcode jobs")
	fmt.Fprintln(w, "# TYPE clipforge_transcode_active_jobs gauge")
	fmt.Fprintf(w, "clipforge_transcode_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP clipforge_quota_decisions_total Upload admission decisions by outcome")
	fmt.Fprintln(w, "# TYPE clipforge_quota_decisions_total counter")
	for _, outcome := range quotaOutcomes {
		fmt.Fprintf(w, "clipforge_quota_decisions_total{outcome=\"%s\"} %d\n", outcome, r.quotaDecisions[outcome])
	}

	fmt.Fprintln(w, "# HELP clipforge_segments_created_total Total segment rows written")
	fmt.Fprintln(w, "# TYPE clipforge_segments_created_total counter")
	fmt.Fprintf(w, "clipforge_segments_created_total %d\n", r.segmentsCreated.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveQueueEvent counts a queue event on the default recorder.
func ObserveQueueEvent(event string) {
	defaultRecorder.ObserveQueueEvent(event)
}

// ObserveLeaseExtension counts a lease extension outcome on the default recorder.
func ObserveLeaseExtension(outcome string) {
	defaultRecorder.ObserveLeaseExtension(outcome)
}

// JobStarted records a job start on the default recorder.
func JobStarted() {
	defaultRecorder.JobStarted()
}

// JobCompleted records a successful job on the default recorder.
func JobCompleted() {
	defaultRecorder.JobCompleted()
}

// JobFailed records a failed job on the default recorder.
func JobFailed() {
	defaultRecorder.JobFailed()
}

// JobAbandoned records an abandoned attempt on the default recorder.
func JobAbandoned() {
	defaultRecorder.JobAbandoned()
}

// ObserveQuotaDecision counts an admission outcome on the default recorder.
func ObserveQuotaDecision(outcome string) {
	defaultRecorder.ObserveQuotaDecision(outcome)
}

// ObserveSegmentsCreated adds to the segment total on the default recorder.
func ObserveSegmentsCreated(count int) {
	defaultRecorder.ObserveSegmentsCreated(count)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
