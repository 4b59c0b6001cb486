package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func TestClassifyMessages(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"Post https://example: connection reset by peer", KindTransient},
		{"HTTP Error 503: Service Unavailable", KindTransient},
		{"HTTP Error 429: Too Many Requests", KindRateLimited},
		{"quotaExceeded: daily quota exceeded", KindQuotaExhausted},
		{"ERROR: Sign in to confirm your age", KindAuth},
		{"ERROR: Video unavailable", KindRemoteUnavailable},
		{"ERROR: This video is private", KindRemoteUnavailable},
		{"ERROR: Unable to extract player version", KindExtractorIncompatible},
		{"write /data: no space left on device", KindFilesystem},
		{"fatal: not a git repository", KindStoreFatal},
		{"fatal: Unable to create index.lock: File exists", KindStoreTransient},
		{"something entirely novel", KindTransient},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestClassifyGoogleAPI(t *testing.T) {
	cases := []struct {
		name string
		err  *googleapi.Error
		want Kind
	}{
		{"quota403", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, KindQuotaExhausted},
		{"ratelimit403", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, KindQuotaExhausted},
		{"true429", &googleapi.Error{Code: 429}, KindRateLimited},
		{"forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, KindAuth},
		{"notfound", &googleapi.Error{Code: 404}, KindRemoteUnavailable},
		{"commentsDisabled", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "commentsDisabled"}}}, KindRemoteUnavailable},
		{"server", &googleapi.Error{Code: 503}, KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("call failed: %w", tc.err)
			if got := Classify(wrapped); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestClassifyContext(t *testing.T) {
	if got := Classify(context.Canceled); got != KindNone {
		t.Errorf("canceled = %s, want none", got)
	}
	if got := Classify(context.DeadlineExceeded); got != KindTransient {
		t.Errorf("deadline = %s, want transient", got)
	}
}

func TestKindOfTagged(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindAuth, errors.New("bad key")))
	if got := KindOf(err); got != KindAuth {
		t.Errorf("KindOf = %s, want auth", got)
	}
	if KindOf(nil) != KindNone {
		t.Error("KindOf(nil) != none")
	}
}

func TestDecide(t *testing.T) {
	p := DefaultBackoff()
	cases := []struct {
		name    string
		kind    Kind
		attempt int
		want    ActionType
	}{
		{"transient-first", KindTransient, 0, ActionRetry},
		{"transient-exhausted", KindTransient, 4, ActionSkip},
		{"store-transient-exhausted", KindStoreTransient, 4, ActionAbortSource},
		{"quota", KindQuotaExhausted, 0, ActionGovern},
		{"unavailable", KindRemoteUnavailable, 0, ActionSkip},
		{"auth", KindAuth, 0, ActionAbortSource},
		{"fs", KindFilesystem, 0, ActionAbortArchive},
		{"config", KindConfig, 0, ActionAbortArchive},
		{"store-fatal", KindStoreFatal, 0, ActionAbortArchive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Decide(tc.kind, tc.attempt, 0); got.Type != tc.want {
				t.Errorf("got %v, want %v", got.Type, tc.want)
			}
		})
	}
}

func TestDecideBackoffGrowth(t *testing.T) {
	p := DefaultBackoff()
	prev := time.Duration(0)
	for attempt := 0; attempt < 3; attempt++ {
		a := p.Decide(KindTransient, attempt, 0)
		if a.After <= prev {
			t.Fatalf("attempt %d: backoff %s did not grow past %s", attempt, a.After, prev)
		}
		prev = a.After
	}
	// hint extends the wait
	a := p.Decide(KindRateLimited, 0, time.Minute)
	if a.After != time.Minute {
		t.Errorf("retry-after hint ignored: got %s", a.After)
	}
	// cap is honored
	big := BackoffPolicy{Base: time.Minute, Cap: 2 * time.Minute, MaxAttempts: 10}
	if got := big.Decide(KindTransient, 8, 0); got.After != 2*time.Minute {
		t.Errorf("cap not applied: got %s", got.After)
	}
}

func TestSeverityExitCodes(t *testing.T) {
	var s Severity
	if s.ExitCode() != 0 {
		t.Fatal("fresh severity should exit 0")
	}
	s.Observe(New(KindTransient, errors.New("net")))
	if s.ExitCode() != 3 {
		t.Errorf("transient exit = %d, want 3", s.ExitCode())
	}
	s.Observe(New(KindConfig, errors.New("bad")))
	if s.ExitCode() != 6 {
		t.Errorf("config exit = %d, want 6", s.ExitCode())
	}
	// lower-severity observations do not regress the worst
	s.Observe(New(KindTransient, errors.New("net")))
	if s.Worst() != KindConfig {
		t.Errorf("worst regressed to %s", s.Worst())
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := New(KindAuth, inner)
	if !errors.Is(err, inner) {
		t.Error("Unwrap chain broken")
	}
	var fe *Error
	if !errors.As(fmt.Errorf("x: %w", err), &fe) || fe.Kind != KindAuth {
		t.Error("errors.As failed on wrapped fault")
	}
}
