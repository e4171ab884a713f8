package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownGroup is returned when a build names a group the builder was
// not configured with.
var ErrUnknownGroup = errors.New("snapshot: unknown group")

// ConfigError reports a group that references a metric missing from the
// catalog. It is detected when the builder is created.
type ConfigError struct {
	Group  string
	Metric string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Metric == "" {
		return fmt.Sprintf("snapshot: group %q: %s", e.Group, e.Reason)
	}
	return fmt.Sprintf("snapshot: group %q: metric %q: %s", e.Group, e.Metric, e.Reason)
}

// ParseError reports a reply that is not a finite number.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q as number: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MemberError ties a failure to the metric that caused it.
type MemberError struct {
	Metric string
	Err    error
}

// BuildError lists every member that failed during one build. Callers see
// "no snapshot"; the individual causes remain available through
// errors.As / errors.Is.
type BuildError struct {
	Group    string
	Failures []MemberError
}

func (e *BuildError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Metric, f.Err))
	}
	return fmt.Sprintf("snapshot %q: %d member(s) failed: %s", e.Group, len(e.Failures), strings.Join(parts, "; "))
}

func (e *BuildError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
