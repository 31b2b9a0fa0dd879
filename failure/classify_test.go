package failure

import (
	"errors"
	"testing"
)

func TestClassifyPatterns(t *testing.T) {
	cases := []struct {
		msg      string
		category Category
		severity Severity
		action   Action
	}{
		{"context deadline exceeded", CategoryTimeout, SeverityMedium, ActionRetryBackoff},
		{"navigation timed out after 30s", CategoryTimeout, SeverityMedium, ActionRetryBackoff},
		{"out of memory", CategoryMemory, SeverityCritical, ActionRestartBrowser},
		{"write /tmp/snap: no space left on device", CategoryDisk, SeverityCritical, ActionAbort},
		{"database is locked", CategoryDatabase, SeverityMedium, ActionRetryBackoff},
		{"server returned 401 Unauthorized", CategoryAuthentication, SeverityHigh, ActionEscalate},
		{"server returned 403 Forbidden", CategoryPermission, SeverityHigh, ActionEscalate},
		{"page crashed", CategoryBrowser, SeverityCritical, ActionRestartBrowser},
		{"websocket: close 1006", CategoryBrowser, SeverityHigh, ActionRestartBrowser},
		{"dial tcp: connection refused", CategoryNetwork, SeverityMedium, ActionRetryBackoff},
		{"invalid selector syntax", CategoryValidation, SeverityMedium, ActionSkip},
		{"accept: too many open files", CategorySystem, SeverityCritical, ActionAbort},
		{"something never seen before", CategoryUnknown, SeverityMedium, ActionRetry},
	}
	for _, tc := range cases {
		cls := Classify(errors.New(tc.msg))
		if cls.Category != tc.category || cls.Severity != tc.severity || cls.Action != tc.action {
			t.Fatalf("%q classified %+v, want %s/%s/%s", tc.msg, cls, tc.category, tc.severity, tc.action)
		}
	}
}

func TestClassifyNil(t *testing.T) {
	cls := Classify(nil)
	if cls.Category != CategoryUnknown || cls.Action != ActionSkip {
		t.Fatalf("nil error classified %+v", cls)
	}
}

func TestClassifyTableOrder(t *testing.T) {
	// Timeout outranks network when both patterns appear.
	cls := Classify(errors.New("proxy connection timeout"))
	if cls.Category != CategoryTimeout {
		t.Fatalf("category %s, want timeout", cls.Category)
	}
}

func TestTransient(t *testing.T) {
	if !(Classification{Action: ActionRetry}).Transient() {
		t.Fatal("retry should be transient")
	}
	if !(Classification{Action: ActionRetryBackoff}).Transient() {
		t.Fatal("retry_with_backoff should be transient")
	}
	if (Classification{Action: ActionAbort}).Transient() {
		t.Fatal("abort is not transient")
	}
}
