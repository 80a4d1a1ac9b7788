package report

import (
	"fmt"
	"time"
)

// Outcome is the final verdict of a single test case.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Metric is a numeric measurement attached to a test case.
type Metric struct {
	Name  string
	Unit  string
	Value float64
}

// Case is a single test case result.
type Case struct {
	Name      string
	ClassName string
	Outcome   Outcome
	Duration  time.Duration
	Message   string
	Metrics   []Metric
}

// Suite is a group of test case results. ExternalID is set when the
// suite name embeds a generator-produced stable identifier. FolderPath
// mirrors the nesting of the source report when folder synthesis is
// enabled; it excludes the suite's own name.
type Suite struct {
	Name       string
	ExternalID string
	FolderPath []string
	Cases      []Case
}

// Result is the canonical outcome tree produced from one report file.
type Result struct {
	Suites []Suite
}

// TotalCases returns the number of cases across all suites.
func (r *Result) TotalCases() int {
	n := 0
	for i := range r.Suites {
		n += len(r.Suites[i].Cases)
	}

	return n
}

// FailedCases returns the number of cases with a failed or errored outcome.
func (r *Result) FailedCases() int {
	n := 0

	for i := range r.Suites {
		for j := range r.Suites[i].Cases {
			switch r.Suites[i].Cases[j].Outcome {
			case OutcomeFailed, OutcomeError:
				n++
			case OutcomePassed, OutcomeSkipped:
			}
		}
	}

	return n
}

// ParseError describes a report file that failed structural validation.
// It is a normal value for the caller to inspect, never a panic.
type ParseError struct {
	Cause string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing report: %s", e.Cause)
}
