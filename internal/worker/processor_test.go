package worker

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"video-publish-pipeline/internal/auth"
	"video-publish-pipeline/internal/executor"
	"video-publish-pipeline/internal/platform"
)

func TestBackoffWithJitterBounds(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	for attempt := 1; attempt <= 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffWithJitter(base, max, attempt)
			if d < base/2 {
				t.Fatalf("attempt %d: backoff %v below half the base", attempt, d)
			}
			if d > max {
				t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, d, max)
			}
		}
	}
}

func TestBackoffWithJitterGrows(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	// The half-wait floor doubles per attempt until it hits the cap.
	for attempt := 1; attempt <= 5; attempt++ {
		floor := base << (attempt - 1) / 2
		d := backoffWithJitter(base, max, attempt)
		if d < floor {
			t.Fatalf("attempt %d: backoff %v below floor %v", attempt, d, floor)
		}
	}
}

func TestBackoffWithJitterZeroAttempt(t *testing.T) {
	if d := backoffWithJitter(time.Second, time.Minute, 0); d != time.Second {
		t.Fatalf("attempt 0 should return the base, got %v", d)
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"permanent", &platform.PermanentError{Status: 403, Body: "quota"}, true},
		{"wrapped permanent", fmt.Errorf("run: %w", &platform.PermanentError{Status: 400}), true},
		{"auth", &auth.AuthError{AccountID: "acct-1", Err: errors.New("revoked")}, true},
		{"attempts exhausted", fmt.Errorf("%w: %w", executor.ErrAttemptsExhausted, &platform.TransientError{Status: 500}), true},
		{"transient", &platform.TransientError{Status: 503}, false},
		{"session expired", fmt.Errorf("session expired mid-upload: %w", platform.ErrSessionExpired), false},
		{"plain", errors.New("redis timeout"), false},
	}
	for _, tc := range cases {
		if got := isTerminal(tc.err); got != tc.want {
			t.Errorf("%s: isTerminal = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHumanMessageHidesTransportDetails(t *testing.T) {
	raw := &platform.TransientError{Status: 503, Err: errors.New("dial tcp 10.0.0.1:443: i/o timeout")}
	msg := humanMessage(fmt.Errorf("send chunk: %w", raw))
	if strings.Contains(msg, "10.0.0.1") || strings.Contains(msg, "dial tcp") {
		t.Fatalf("raw transport detail leaked into status message: %q", msg)
	}
}

func TestHumanMessageHidesRawResponseBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"json blob", `{"error":{"code":403,"errors":[{"reason":"quotaExceeded","domain":"youtube.quota"}]}}`},
		{"html page", "<html><body>Bad Request</body></html>"},
		{"oversized", strings.Repeat("x", 400)},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := humanMessage(&platform.PermanentError{Status: 403, Body: tc.body})
			if tc.body != "" && strings.Contains(msg, tc.body) {
				t.Fatalf("raw response body surfaced in status message: %q", msg)
			}
			if !strings.Contains(msg, "403") {
				t.Fatalf("expected the status code in the summary, got %q", msg)
			}
		})
	}
}

func TestHumanMessageKeepsShortReasons(t *testing.T) {
	msg := humanMessage(&platform.PermanentError{Status: 400, Body: "source exhausted at offset 8 before completion"})
	if !strings.Contains(msg, "source exhausted at offset 8") {
		t.Fatalf("plain failure reason was dropped: %q", msg)
	}
}

func TestHumanMessageByKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&auth.AuthError{AccountID: "acct-1", Err: errors.New("revoked")}, "acct-1 needs re-authorization"},
		{fmt.Errorf("%w: %w", executor.ErrAttemptsExhausted, errors.New("x")), "repeated temporary platform errors"},
		{&platform.PermanentError{Status: 400, Body: "invalid title"}, "invalid title"},
		{errors.New("redis timeout"), "will be retried"},
	}
	for _, tc := range cases {
		msg := humanMessage(tc.err)
		if !strings.Contains(msg, tc.want) {
			t.Errorf("humanMessage(%v) = %q, want it to contain %q", tc.err, msg, tc.want)
		}
	}
}
