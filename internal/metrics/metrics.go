// Package metrics provides Prometheus metrics for the FileFlow server.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileflow_content_bytes_downloaded_total",
			Help: "Total bytes downloaded from content endpoint",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileflow_content_bytes_uploaded_total",
			Help: "Total bytes uploaded to content endpoint",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_content_uploads_total",
			Help: "Total number of content uploads",
		},
		[]string{"status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_auth_attempts_total",
			Help: "Total bearer token validations",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileflow_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileflow_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Event stream metrics
	eventSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileflow_event_subscribers_active",
			Help: "Number of active SSE and websocket subscribers",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_events_published_total",
			Help: "Total node events published",
		},
		[]string{"type"},
	)

	// Archive metrics
	archiveOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileflow_archive_operation_duration_seconds",
			Help:    "Archive create/extract duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation", "format"},
	)

	archiveOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_archive_operations_total",
			Help: "Total archive operations",
		},
		[]string{"operation", "format", "status"},
	)

	archiveEntriesExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_archive_entries_extracted_total",
			Help: "Total archive members written by extraction",
		},
		[]string{"format"},
	)

	archiveTraversalRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_archive_traversal_rejected_total",
			Help: "Archives rejected because a member failed path validation",
		},
		[]string{"format"},
	)

	// Tree metrics
	deleteStorageFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileflow_delete_storage_failures_total",
			Help: "Blob deletions that failed during recursive delete",
		},
	)

	nodesDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileflow_nodes_deleted_total",
			Help: "Total metadata rows removed by recursive delete",
		},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileflow_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileflow_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordContentDownload records a content download.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	contentDownloadsTotal.WithLabelValues(status).Inc()
}

// RecordContentUpload records a content upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	contentUploadsTotal.WithLabelValues(status).Inc()
}

// RecordAuthAttempt records a token validation result.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// SetEventSubscribers sets the number of active event subscribers.
func SetEventSubscribers(count int64) {
	eventSubscribersActive.Set(float64(count))
}

// RecordEvent records a node event publication.
func RecordEvent(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordArchiveOperation records an archive create or extract.
func RecordArchiveOperation(operation, format string, duration time.Duration, success bool) {
	archiveOperationDuration.WithLabelValues(operation, format).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	archiveOperationsTotal.WithLabelValues(operation, format, status).Inc()
}

// RecordExtractedEntries records members written by a successful extraction.
func RecordExtractedEntries(format string, count int) {
	archiveEntriesExtracted.WithLabelValues(format).Add(float64(count))
}

// RecordTraversalRejected records an archive refused by path validation.
func RecordTraversalRejected(format string) {
	archiveTraversalRejected.WithLabelValues(format).Inc()
}

// RecordRecursiveDelete records rows removed and blob deletions that failed.
func RecordRecursiveDelete(rows int, storageFailures int) {
	nodesDeletedTotal.Add(float64(rows))
	deleteStorageFailures.Add(float64(storageFailures))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

// routeLabel replaces node ids in API paths with "{id}" to bound label
// cardinality.
func routeLabel(path string) string {
	parts := strings.Split(path, "/")
	// parts[0] is empty for an absolute path
	if len(parts) < 5 || parts[1] != "api" || parts[2] != "v1" {
		return path
	}
	switch {
	case parts[3] == "files":
		parts[4] = "{id}"
	case parts[3] == "compress" && len(parts) > 5 && (parts[4] == "extract" || parts[4] == "list"):
		parts[5] = "{id}"
	case parts[3] == "search" && len(parts) > 5 && parts[4] == "profiles":
		parts[5] = "{id}"
	}
	return strings.Join(parts, "/")
}
