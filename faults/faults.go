// Package faults classifies errors from the remote service, the extractor and
// the content store into a small taxonomy, and turns a classification into a
// retry decision. Classification is string/status pattern matching; the policy
// is a pure function so both are unit-testable without a network.
package faults

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// Kind is the error taxonomy. Ordering matters: higher values are more severe
// and drive the process exit code.
type Kind int

const (
	KindNone Kind = iota
	// KindTransient covers network blips: retry with backoff.
	KindTransient
	// KindRateLimited is a server push-back distinct from quota exhaustion:
	// honor any retry-after hint, then backoff.
	KindRateLimited
	// KindQuotaExhausted means the daily API quota is spent; handled by the
	// quota governor, never by the retry loop.
	KindQuotaExhausted
	// KindRemoteUnavailable means the video itself is gone or gated: record
	// availability and move on.
	KindRemoteUnavailable
	// KindExtractorIncompatible marks per-video extractor failures (format
	// changes, unsupported URLs): record and continue.
	KindExtractorIncompatible
	// KindAuth is a credential problem: abort the source with a config hint.
	KindAuth
	// KindStoreTransient is a retryable content-store failure (lock contention,
	// annex transfer hiccup).
	KindStoreTransient
	// KindStoreFatal aborts the whole archive (corrupt repo, bad remote).
	KindStoreFatal
	// KindConfig refuses to start.
	KindConfig
	// KindFilesystem covers disk-full and permission errors: abort the archive.
	KindFilesystem
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "network-transient"
	case KindRateLimited:
		return "network-ratelimited"
	case KindQuotaExhausted:
		return "quota-exhausted"
	case KindRemoteUnavailable:
		return "remote-unavailable"
	case KindExtractorIncompatible:
		return "extractor-incompatible"
	case KindAuth:
		return "auth"
	case KindStoreTransient:
		return "store-transient"
	case KindStoreFatal:
		return "store-fatal"
	case KindConfig:
		return "config-invalid"
	case KindFilesystem:
		return "filesystem"
	default:
		return "unknown"
	}
}

// ExitCode maps the highest-severity kind seen during a run to the process
// exit code (0=ok 1=generic 3=network 4=store 5=fs 6=config 7=data).
func (k Kind) ExitCode() int {
	switch k {
	case KindNone:
		return 0
	case KindTransient, KindRateLimited, KindQuotaExhausted:
		return 3
	case KindStoreTransient, KindStoreFatal:
		return 4
	case KindFilesystem:
		return 5
	case KindConfig:
		return 6
	case KindRemoteUnavailable, KindExtractorIncompatible, KindAuth:
		return 7
	default:
		return 1
	}
}

// Error tags an underlying error with its kind, an optional retry-after hint
// from the server, and the video the failure belongs to (if any).
type Error struct {
	Kind       Kind
	VideoID    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind.
func New(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// KindOf extracts the kind from an error chain, classifying from scratch when
// the error was never tagged.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}

// RetryAfterHint returns a server-supplied retry-after from the chain, or 0.
func RetryAfterHint(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Classify inspects an untagged error. Structured googleapi errors are
// preferred; everything else falls back to the stderr/message patterns the
// extractor and git emit.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyAPI(gerr)
	}
	if errors.Is(err, context.Canceled) {
		return KindNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return classifyMessage(err.Error())
}

func classifyAPI(gerr *googleapi.Error) Kind {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded":
			// rateLimitExceeded on a 403 is the daily quota in disguise for
			// several Data API endpoints; the 429 path below catches true
			// rate limiting.
			if gerr.Code == 403 {
				return KindQuotaExhausted
			}
		case "forbidden", "authError", "keyInvalid", "accessNotConfigured":
			return KindAuth
		case "videoNotFound", "playlistNotFound", "channelNotFound", "notFound":
			return KindRemoteUnavailable
		case "commentsDisabled", "captionNotAvailable":
			return KindRemoteUnavailable
		}
	}
	switch gerr.Code {
	case 401, 403:
		return KindAuth
	case 404, 410:
		return KindRemoteUnavailable
	case 429:
		return KindRateLimited
	case 500, 502, 503, 504:
		return KindTransient
	}
	return KindTransient
}

func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	// Server errors before the generic patterns.
	for _, p := range []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout"} {
		if strings.Contains(lower, p) {
			return KindTransient
		}
	}
	for _, p := range []string{"429", "too many requests", "rate limit", "throttled", "slow down"} {
		if strings.Contains(lower, p) {
			return KindRateLimited
		}
	}
	for _, p := range []string{"quota exceeded", "quotaexceeded", "daily limit exceeded", "exceeded your"} {
		if strings.Contains(lower, p) {
			return KindQuotaExhausted
		}
	}
	for _, p := range []string{"login required", "sign in to confirm", "authentication required", "401", "403", "api key", "invalid credentials", "unauthorized"} {
		if strings.Contains(lower, p) {
			return KindAuth
		}
	}
	for _, p := range []string{"video unavailable", "private video", "video is private", "has been removed", "no longer available", "404", "not found", "deleted", "members-only", "age-restricted"} {
		if strings.Contains(lower, p) {
			return KindRemoteUnavailable
		}
	}
	for _, p := range []string{"unable to extract", "unsupported url", "no video formats found", "signature extraction failed", "js player"} {
		if strings.Contains(lower, p) {
			return KindExtractorIncompatible
		}
	}
	for _, p := range []string{"no space left", "disk quota", "read-only file system", "permission denied", "too many open files"} {
		if strings.Contains(lower, p) {
			return KindFilesystem
		}
	}
	for _, p := range []string{"not a git repository", "is not a git command", "git-annex: not initialized", "corrupt", "bad object"} {
		if strings.Contains(lower, p) {
			return KindStoreFatal
		}
	}
	for _, p := range []string{"index.lock", "unable to lock", "annex: transfer failed"} {
		if strings.Contains(lower, p) {
			return KindStoreTransient
		}
	}
	for _, p := range []string{"connection reset", "connection refused", "timed out", "timeout", "temporary failure in name resolution", "no route to host", "network unreachable", "dns", "eof", "broken pipe", "tls handshake"} {
		if strings.Contains(lower, p) {
			return KindTransient
		}
	}
	// Unknown errors are retried to avoid giving up too early.
	return KindTransient
}

// ActionType is what the caller should do next.
type ActionType int

const (
	// ActionRetry waits Action.After, then retries the same operation.
	ActionRetry ActionType = iota
	// ActionGovern hands control to the quota governor.
	ActionGovern
	// ActionSkip records the failure at video granularity and continues.
	ActionSkip
	// ActionAbortSource stops the current source; the archive continues.
	ActionAbortSource
	// ActionAbortArchive stops everything.
	ActionAbortArchive
)

// Action is the retry policy outcome.
type Action struct {
	Type  ActionType
	After time.Duration
}

// BackoffPolicy holds the retry tunables (defaults: base 2s, cap 5m,
// 5 attempts).
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the documented defaults.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 2 * time.Second, Cap: 5 * time.Minute, MaxAttempts: 5}
}

// Decide maps (kind, attempt, hint) to an action. attempt is zero-based: the
// first failure is attempt 0.
func (p BackoffPolicy) Decide(kind Kind, attempt int, hint time.Duration) Action {
	switch kind {
	case KindNone:
		return Action{Type: ActionSkip}
	case KindQuotaExhausted:
		return Action{Type: ActionGovern}
	case KindTransient, KindStoreTransient, KindRateLimited:
		if attempt >= p.MaxAttempts-1 {
			if kind == KindStoreTransient {
				return Action{Type: ActionAbortSource}
			}
			return Action{Type: ActionSkip}
		}
		after := p.Base << uint(attempt)
		if after > p.Cap {
			after = p.Cap
		}
		if hint > after {
			after = hint
		}
		return Action{Type: ActionRetry, After: after}
	case KindRemoteUnavailable, KindExtractorIncompatible:
		return Action{Type: ActionSkip}
	case KindAuth:
		return Action{Type: ActionAbortSource}
	case KindStoreFatal, KindConfig, KindFilesystem:
		return Action{Type: ActionAbortArchive}
	default:
		return Action{Type: ActionSkip}
	}
}

// Severity tracking: a run remembers the worst kind it saw so the process can
// exit with the matching code.
type Severity struct{ worst Kind }

// Observe records err's kind if it outranks the current worst.
func (s *Severity) Observe(err error) {
	k := KindOf(err)
	if k > s.worst {
		s.worst = k
	}
}

// ExitCode of the worst observed kind.
func (s *Severity) ExitCode() int { return s.worst.ExitCode() }

// Worst returns the highest-severity kind observed.
func (s *Severity) Worst() Kind { return s.worst }
