// Package failure classifies errors by message pattern and runs
// per-category recovery strategies over them.
package failure

import (
	"strings"
)

// Category buckets a failure for recovery selection.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryAuthentication Category = "authentication"
	CategoryPermission     Category = "permission"
	CategoryValidation     Category = "validation"
	CategorySystem         Category = "system"
	CategoryMemory         Category = "memory"
	CategoryDisk           Category = "disk"
	CategoryDatabase       Category = "database"
	CategoryBrowser        Category = "browser"
	CategoryApplication    Category = "application"
	CategoryExternal       Category = "external"
	CategoryUnknown        Category = "unknown"
)

// Severity grades a classified failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is the suggested response for a classified failure.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionRetryBackoff   Action = "retry_with_backoff"
	ActionRestartBrowser Action = "restart_browser"
	ActionSkip           Action = "skip"
	ActionAbort          Action = "abort"
	ActionEscalate       Action = "escalate"
)

// pattern matches a substring of the error message. Tables are
// ordered: the first hit wins within a category, and categories are
// scanned in declaration order, so more specific categories come
// before the catch-alls.
type pattern struct {
	substr   string
	severity Severity
	action   Action
}

type categoryTable struct {
	category Category
	patterns []pattern
}

var tables = []categoryTable{
	{CategoryTimeout, []pattern{
		{"deadline exceeded", SeverityMedium, ActionRetryBackoff},
		{"timed out", SeverityMedium, ActionRetryBackoff},
		{"timeout", SeverityMedium, ActionRetryBackoff},
	}},
	{CategoryMemory, []pattern{
		{"out of memory", SeverityCritical, ActionRestartBrowser},
		{"cannot allocate", SeverityCritical, ActionRestartBrowser},
		{"oom", SeverityCritical, ActionRestartBrowser},
	}},
	{CategoryDisk, []pattern{
		{"no space left", SeverityCritical, ActionAbort},
		{"disk full", SeverityCritical, ActionAbort},
		{"read-only file system", SeverityHigh, ActionEscalate},
	}},
	{CategoryDatabase, []pattern{
		{"database is locked", SeverityMedium, ActionRetryBackoff},
		{"sqlite", SeverityMedium, ActionRetryBackoff},
		{"constraint failed", SeverityHigh, ActionSkip},
	}},
	{CategoryAuthentication, []pattern{
		{"401", SeverityHigh, ActionEscalate},
		{"unauthorized", SeverityHigh, ActionEscalate},
		{"authentication failed", SeverityHigh, ActionEscalate},
		{"invalid credentials", SeverityHigh, ActionEscalate},
	}},
	{CategoryPermission, []pattern{
		{"403", SeverityHigh, ActionEscalate},
		{"forbidden", SeverityHigh, ActionEscalate},
		{"permission denied", SeverityHigh, ActionEscalate},
		{"access denied", SeverityHigh, ActionEscalate},
	}},
	{CategoryBrowser, []pattern{
		{"browser has been closed", SeverityHigh, ActionRestartBrowser},
		{"target closed", SeverityHigh, ActionRestartBrowser},
		{"session closed", SeverityHigh, ActionRestartBrowser},
		{"page crashed", SeverityCritical, ActionRestartBrowser},
		{"websocket", SeverityHigh, ActionRestartBrowser},
		{"cdp", SeverityHigh, ActionRestartBrowser},
	}},
	{CategoryNetwork, []pattern{
		{"connection refused", SeverityMedium, ActionRetryBackoff},
		{"connection reset", SeverityMedium, ActionRetryBackoff},
		{"no such host", SeverityMedium, ActionRetryBackoff},
		{"network is unreachable", SeverityHigh, ActionRetryBackoff},
		{"proxy", SeverityMedium, ActionRetryBackoff},
		{"tls", SeverityMedium, ActionRetry},
		{"dns", SeverityMedium, ActionRetryBackoff},
	}},
	{CategoryValidation, []pattern{
		{"validation", SeverityLow, ActionSkip},
		{"invalid selector", SeverityMedium, ActionSkip},
		{"malformed", SeverityLow, ActionSkip},
	}},
	{CategorySystem, []pattern{
		{"too many open files", SeverityCritical, ActionAbort},
		{"resource temporarily unavailable", SeverityHigh, ActionRetryBackoff},
		{"signal:", SeverityCritical, ActionAbort},
	}},
}

// Classification is the verdict for one error.
type Classification struct {
	Category Category
	Severity Severity
	Action   Action
	Matched  string
}

// Classify buckets err by scanning the ordered pattern tables.
// Unmatched errors land in Unknown with a retry suggestion.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Severity: SeverityLow, Action: ActionSkip}
	}
	msg := strings.ToLower(err.Error())
	for _, table := range tables {
		for _, p := range table.patterns {
			if strings.Contains(msg, p.substr) {
				return Classification{
					Category: table.category,
					Severity: p.severity,
					Action:   p.action,
					Matched:  p.substr,
				}
			}
		}
	}
	return Classification{Category: CategoryUnknown, Severity: SeverityMedium, Action: ActionRetry}
}

// Transient reports whether the classification warrants a retry.
func (c Classification) Transient() bool {
	return c.Action == ActionRetry || c.Action == ActionRetryBackoff
}
