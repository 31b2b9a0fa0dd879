// Package kit carries per-operation identity through context: the
// correlation id that ties logs, events and snapshots of one resolve
// together, plus the job, match and environment tags.
package kit

import (
	"context"

	"github.com/hazyhaar/oddswatch/idgen"
)

type contextKey string

const (
	CorrelationIDKey contextKey = "ow_correlation_id"
	JobIDKey         contextKey = "ow_job_id"
	MatchIDKey       contextKey = "ow_match_id"
	EnvironmentKey   contextKey = "ow_environment"
	TabIDKey         contextKey = "ow_tab_id"
)

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(CorrelationIDKey).(string)
	return v
}

// EnsureCorrelation returns ctx with a correlation id, minting one if
// the caller did not supply any. The id is returned alongside so call
// sites can log it without a second lookup.
func EnsureCorrelation(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := idgen.Correlation()
	return WithCorrelationID(ctx, id), id
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}
func GetJobID(ctx context.Context) string {
	v, _ := ctx.Value(JobIDKey).(string)
	return v
}

func WithMatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, MatchIDKey, id)
}
func GetMatchID(ctx context.Context) string {
	v, _ := ctx.Value(MatchIDKey).(string)
	return v
}

func WithEnvironment(ctx context.Context, env string) context.Context {
	return context.WithValue(ctx, EnvironmentKey, env)
}

// GetEnvironment returns the environment tag, defaulting to
// "production" so that the strictest quality gate applies when a
// caller forgets to tag the context.
func GetEnvironment(ctx context.Context) string {
	if v, ok := ctx.Value(EnvironmentKey).(string); ok && v != "" {
		return v
	}
	return "production"
}

func WithTabID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TabIDKey, id)
}
func GetTabID(ctx context.Context) string {
	v, _ := ctx.Value(TabIDKey).(string)
	return v
}
