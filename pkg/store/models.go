package store

import (
	"strings"
	"time"
)

// PipelineStatus is the lifecycle state of one CI execution record.
type PipelineStatus string

const (
	PipelineStatusPending   PipelineStatus = "pending"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusSucceeded PipelineStatus = "succeeded"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusError     PipelineStatus = "error"
)

// statusRank orders pipeline statuses for the monotonic-transition
// guard. Terminal states share a rank; moving between them is still a
// forward move from running.
var statusRank = map[PipelineStatus]int{
	PipelineStatusPending:   0,
	PipelineStatusRunning:   1,
	PipelineStatusSucceeded: 2,
	PipelineStatusFailed:    2,
	PipelineStatusError:     2,
}

// Valid reports whether s is a known pipeline status.
func (s PipelineStatus) Valid() bool {
	_, ok := statusRank[s]

	return ok
}

// Assignee identifies who a case run is assigned to.
type Assignee string

// AssigneeAutomation marks a case run as assigned to the automated
// runner pool; assigning it triggers queue population.
const AssigneeAutomation Assignee = "automation"

// Pipeline is one CI execution record tied to a test run. Pipelines are
// never deleted, only archived.
type Pipeline struct {
	ID         string         `gorm:"primaryKey" json:"id"`
	TestRunID  string         `gorm:"index;not null" json:"test_run_id"`
	Status     PipelineStatus `gorm:"not null" json:"status"`
	StartError string         `json:"start_error,omitempty"`
	Archived   bool           `json:"archived"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TestRun aggregates the suites and case runs produced by imports.
type TestRun struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	ProjectID string    `gorm:"index;not null" json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Suite is one suite node in a test run's result tree. ExternalID
// carries the generator-produced stable identifier when name extraction
// recognized one; FolderPath is the slash-joined synthesized hierarchy.
type Suite struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TestRunID  string    `gorm:"not null;uniqueIndex:idx_suite_identity" json:"test_run_id"`
	Name       string    `gorm:"not null;uniqueIndex:idx_suite_identity" json:"name"`
	ExternalID string    `gorm:"uniqueIndex:idx_suite_identity" json:"external_id,omitempty"`
	FolderPath string    `json:"folder_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Case is one test case node under a suite.
type Case struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SuiteID   uint      `gorm:"not null;uniqueIndex:idx_case_identity" json:"suite_id"`
	Name      string    `gorm:"not null;uniqueIndex:idx_case_identity" json:"name"`
	ClassName string    `gorm:"uniqueIndex:idx_case_identity" json:"class_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CaseRun is one recorded execution of a case: either materialized from
// an imported report or dispatched to a runner via the queue.
type CaseRun struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	CaseID          uint      `gorm:"index;not null" json:"case_id"`
	TestRunID       string    `gorm:"index;not null" json:"test_run_id"`
	ImportAttemptID string    `gorm:"index" json:"import_attempt_id,omitempty"`
	Assignee        Assignee  `gorm:"index" json:"assignee,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`
	DurationMS      int64     `json:"duration_ms"`
	Message         string    `json:"message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MetricRecord is one numeric measurement lifted from a report case.
type MetricRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CaseRunID string    `gorm:"index;not null" json:"case_run_id"`
	Name      string    `gorm:"not null" json:"name"`
	Unit      string    `json:"unit,omitempty"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// ImportAttempt records the outcome counts of one artifact import.
// Every import call creates a new attempt; re-imports are never
// deduplicated against prior content.
type ImportAttempt struct {
	ID               string    `gorm:"primaryKey" json:"id"`
	TestRunID        string    `gorm:"index;not null" json:"test_run_id"`
	Principal        string    `json:"principal"`
	Pattern          string    `json:"pattern"`
	FilesMatched     int       `json:"files_matched"`
	FilesParsed      int       `json:"files_parsed"`
	FilesFailed      int       `json:"files_failed"`
	CasesImported    int       `json:"cases_imported"`
	FailuresImported int       `json:"failures_imported"`
	CreatedAt        time.Time `json:"created_at"`
}

// Principal is a seeded bearer identity with access to a set of
// projects. Tokens are stored bcrypt-hashed.
type Principal struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	TokenHash string    `gorm:"not null" json:"-"`
	Role      string    `gorm:"not null" json:"role"`
	Projects  string    `json:"projects"` // comma-separated project ids; empty means all
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasProject reports whether the principal may act on a project. An
// empty project list grants access to all projects.
func (p *Principal) HasProject(projectID string) bool {
	if p.Projects == "" {
		return true
	}

	for _, id := range strings.Split(p.Projects, ",") {
		if id == projectID {
			return true
		}
	}

	return false
}
