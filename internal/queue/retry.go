package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fabienpiette/folio_fox/internal/breaker"
	"github.com/fabienpiette/folio_fox/internal/catalog"
)

// FailureKind classifies why a download attempt failed. The kind decides
// whether and when the attempt is retried.
type FailureKind string

const (
	KindNetwork       FailureKind = "network"
	KindTimeout       FailureKind = "timeout"
	KindRateLimited   FailureKind = "rate_limited"
	KindNotFound      FailureKind = "not_found"
	KindServerError   FailureKind = "server_error"
	KindFileCorrupted FailureKind = "file_corrupted"
	KindAuthFailed    FailureKind = "auth_failed"
	KindQuotaExceeded FailureKind = "quota_exceeded"
	KindIndexerDown   FailureKind = "indexer_down"
	KindDiskFull      FailureKind = "disk_full"
	KindPermission    FailureKind = "permission_error"
	KindUnknown       FailureKind = "unknown"
)

// statusError is an HTTP response with an unexpected status code.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.code, e.url)
}

// errSizeMismatch is returned when the written byte count disagrees with
// the server's Content-Length.
type sizeMismatchError struct {
	want, got int64
}

func (e *sizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: expected %d bytes, wrote %d", e.want, e.got)
}

// ClassifyFailure maps a download error onto a FailureKind.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, breaker.ErrOpen) {
		return KindIndexerDown
	}

	var sizeErr *sizeMismatchError
	if errors.As(err, &sizeErr) {
		return KindFileCorrupted
	}

	var statusErr *statusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.code == 404 || statusErr.code == 410:
			return KindNotFound
		case statusErr.code == 429:
			return KindRateLimited
		case statusErr.code == 401 || statusErr.code == 403:
			return KindAuthFailed
		case statusErr.code == 507 || statusErr.code == 509:
			return KindQuotaExceeded
		case statusErr.code >= 500:
			return KindServerError
		default:
			return KindUnknown
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, os.ErrPermission) {
		return KindPermission
	}

	var text = strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "no space left") || strings.Contains(text, "disk full"):
		return KindDiskFull
	case strings.Contains(text, "permission denied") || strings.Contains(text, "read-only file system"):
		return KindPermission
	case strings.Contains(text, "timeout") || strings.Contains(text, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(text, "connection refused"),
		strings.Contains(text, "connection reset"),
		strings.Contains(text, "no such host"),
		strings.Contains(text, "network is unreachable"),
		strings.Contains(text, "broken pipe"),
		strings.Contains(text, "eof"):
		return KindNetwork
	case strings.Contains(text, "rate limit") || strings.Contains(text, "too many requests"):
		return KindRateLimited
	case strings.Contains(text, "not found") || strings.Contains(text, "404"):
		return KindNotFound
	case strings.Contains(text, "corrupt") || strings.Contains(text, "checksum"):
		return KindFileCorrupted
	case strings.Contains(text, "unauthorized") || strings.Contains(text, "forbidden"):
		return KindAuthFailed
	case strings.Contains(text, "quota"):
		return KindQuotaExceeded
	default:
		return KindUnknown
	}
}

// retryPolicy is the per-kind retry behavior.
type retryPolicy struct {
	permanent  bool
	fixedDelay time.Duration // used when > 0 or fixed is set
	fixed      bool
	multiplier float64
}

var retryPolicies = map[FailureKind]retryPolicy{
	KindNetwork:       {multiplier: 1.5},
	KindTimeout:       {multiplier: 1.2},
	KindIndexerDown:   {multiplier: 2.5},
	KindRateLimited:   {fixed: true, fixedDelay: 5 * time.Minute},
	KindServerError:   {fixed: true, fixedDelay: 15 * time.Minute},
	KindFileCorrupted: {fixed: true, fixedDelay: 0}, // retry immediately, a fresh transfer may be clean
	KindNotFound:      {permanent: true},
	KindAuthFailed:    {permanent: true},
	KindQuotaExceeded: {permanent: true},
	KindDiskFull:      {permanent: true}, // retrying cannot free the disk
	KindPermission:    {permanent: true},
	KindUnknown:       {multiplier: 1.0},
}

const (
	retryBase = 60 * time.Second
	retryCap  = time.Hour
)

// RetryDelay computes the wait before attempt |retryCount|+1 for a failure
// of the given kind. The second return is false when the failure is
// permanent and must not be retried.
func RetryDelay(kind FailureKind, retryCount int64) (time.Duration, bool) {
	var policy, ok = retryPolicies[kind]
	if !ok {
		policy = retryPolicies[KindUnknown]
	}
	if policy.permanent {
		return 0, false
	}
	if policy.fixed {
		return policy.fixedDelay, true
	}

	var delay = retryBase.Seconds() * math.Pow(2, float64(retryCount)) * policy.multiplier
	if delay > retryCap.Seconds() {
		delay = retryCap.Seconds()
	}
	// Jitter spreads retries of items that failed together.
	delay *= 0.8 + rand.Float64()*0.4
	return time.Duration(delay * float64(time.Second)), true
}

// fatalErrorMarkers in an error message mean the source is gone for good;
// retrying cannot help.
var fatalErrorMarkers = []string{"404", "not found", "removed", "deleted", "unavailable"}

// indexerFailureWindow and indexerFailureLimit gate retries against an
// indexer that is failing broadly, not just for this item.
const (
	indexerFailureWindow = time.Hour
	indexerFailureLimit  = 5
)

// ShouldRetry decides whether a failed item goes back to pending. It
// consults the retry budget, the failure kind, the shape of the error, and
// the recent failure rate of the item's indexer.
func ShouldRetry(ctx context.Context, store *catalog.Store, item *catalog.QueueItem, kind FailureKind, errText string) bool {
	if item.RetryCount >= item.MaxRetries {
		return false
	}
	if policy, ok := retryPolicies[kind]; ok && policy.permanent {
		return false
	}

	var lower = strings.ToLower(errText)
	for _, marker := range fatalErrorMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}

	if item.IndexerID.Valid {
		failures, err := store.IndexerFailuresSince(ctx, item.IndexerID.Int64,
			time.Now().Add(-indexerFailureWindow))
		if err == nil && failures >= indexerFailureLimit {
			return false
		}
	}
	return true
}
