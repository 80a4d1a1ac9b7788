package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/testplane/testplane/pkg/config"
	"github.com/testplane/testplane/pkg/report"
)

var (
	// ErrStatusRegression is returned by TransitionPipeline when the
	// requested status would move the pipeline backwards. Only the
	// explicit retry action may reset a pipeline.
	ErrStatusRegression = errors.New("pipeline status cannot regress")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnauthorized is returned when a principal token does not match
	// any seeded principal.
	ErrUnauthorized = errors.New("unknown principal token")
)

// MergeSummary reports what one MergeResults call added.
type MergeSummary struct {
	CasesImported    int
	FailuresImported int
}

// Store provides persistence for pipelines, test runs, and imported
// results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Pipelines.
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	TransitionPipeline(ctx context.Context, id string, status PipelineStatus, startError string) error
	RetryPipeline(ctx context.Context, id string) error
	ArchivePipeline(ctx context.Context, id string) error

	// Test runs.
	CreateTestRun(ctx context.Context, tr *TestRun) error
	GetTestRun(ctx context.Context, id string) (*TestRun, error)

	// Imported results.
	CreateImportAttempt(ctx context.Context, attempt *ImportAttempt) error
	MergeResults(ctx context.Context, testRunID, attemptID string, results []*report.Result) (*MergeSummary, error)
	ListSuites(ctx context.Context, testRunID string) ([]Suite, error)
	ListCaseRuns(ctx context.Context, testRunID string) ([]CaseRun, error)

	// Case run assignment and outcomes.
	GetCaseRun(ctx context.Context, id string) (*CaseRun, error)
	AssignCaseRun(ctx context.Context, id string, assignee Assignee) error
	UpdateCaseRunOutcome(ctx context.Context, id, outcome, message string) error

	// Principals.
	SeedPrincipals(ctx context.Context, principals []config.PrincipalConfig) error
	AuthenticateToken(ctx context.Context, token string) (*Principal, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Pipeline{},
		&TestRun{},
		&Suite{},
		&Case{},
		&CaseRun{},
		&MetricRecord{},
		&ImportAttempt{},
		&Principal{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Pipelines ---

func (s *store) CreatePipeline(ctx context.Context, p *Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	if p.Status == "" {
		p.Status = PipelineStatusPending
	}

	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	return nil
}

func (s *store) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	var p Pipeline
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFoundOr("getting pipeline", err)
	}

	return &p, nil
}

// TransitionPipeline moves a pipeline's status forward. Transitions are
// serialized per pipeline id inside one transaction; a regressing
// status yields ErrStatusRegression.
func (s *store) TransitionPipeline(
	ctx context.Context, id string, status PipelineStatus, startError string,
) error {
	if !status.Valid() {
		return fmt.Errorf("unknown pipeline status %q", status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Pipeline
		if err := tx.First(&p, "id = ?", id).Error; err != nil {
			return notFoundOr("getting pipeline", err)
		}

		if statusRank[status] < statusRank[p.Status] {
			return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, p.Status, status)
		}

		p.Status = status
		p.StartError = startError

		if err := tx.Save(&p).Error; err != nil {
			return fmt.Errorf("updating pipeline: %w", err)
		}

		return nil
	})
}

// RetryPipeline is the one sanctioned status regression: it resets the
// pipeline to pending and clears the start error.
func (s *store) RetryPipeline(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&Pipeline{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      PipelineStatusPending,
			"start_error": "",
		})
	if result.Error != nil {
		return fmt.Errorf("retrying pipeline: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *store) ArchivePipeline(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&Pipeline{}).
		Where("id = ?", id).
		Update("archived", true)
	if result.Error != nil {
		return fmt.Errorf("archiving pipeline: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// --- Test runs ---

func (s *store) CreateTestRun(ctx context.Context, tr *TestRun) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}

	if err := s.db.WithContext(ctx).Create(tr).Error; err != nil {
		return fmt.Errorf("creating test run: %w", err)
	}

	return nil
}

func (s *store) GetTestRun(ctx context.Context, id string) (*TestRun, error) {
	var tr TestRun
	if err := s.db.WithContext(ctx).First(&tr, "id = ?", id).Error; err != nil {
		return nil, notFoundOr("getting test run", err)
	}

	return &tr, nil
}

// --- Imported results ---

func (s *store) CreateImportAttempt(ctx context.Context, attempt *ImportAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}

	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("creating import attempt: %w", err)
	}

	return nil
}

// MergeResults applies parsed result trees to the test run's aggregate
// state as a single transaction. Suites and cases are upserted by their
// identity (name + external id), so re-imports update tree nodes rather
// than duplicating them; case runs and metrics are appended per
// attempt.
func (s *store) MergeResults(
	ctx context.Context, testRunID, attemptID string, results []*report.Result,
) (*MergeSummary, error) {
	summary := &MergeSummary{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, result := range results {
			for i := range result.Suites {
				if err := s.mergeSuite(tx, testRunID, attemptID, &result.Suites[i], summary); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

func (s *store) mergeSuite(
	tx *gorm.DB, testRunID, attemptID string, src *report.Suite, summary *MergeSummary,
) error {
	var suite Suite

	// Map conditions so empty external ids still participate in the
	// identity match.
	result := tx.
		Where(map[string]any{
			"test_run_id": testRunID,
			"name":        src.Name,
			"external_id": src.ExternalID,
		}).
		Assign(Suite{FolderPath: strings.Join(src.FolderPath, "/")}).
		FirstOrCreate(&suite)
	if result.Error != nil {
		return fmt.Errorf("upserting suite %q: %w", src.Name, result.Error)
	}

	for i := range src.Cases {
		srcCase := &src.Cases[i]

		var c Case

		if err := tx.
			Where(map[string]any{
				"suite_id":   suite.ID,
				"name":       srcCase.Name,
				"class_name": srcCase.ClassName,
			}).
			FirstOrCreate(&c).Error; err != nil {
			return fmt.Errorf("upserting case %q: %w", srcCase.Name, err)
		}

		run := CaseRun{
			ID:              uuid.NewString(),
			CaseID:          c.ID,
			TestRunID:       testRunID,
			ImportAttemptID: attemptID,
			Outcome:         string(srcCase.Outcome),
			DurationMS:      srcCase.Duration.Milliseconds(),
			Message:         srcCase.Message,
		}

		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("creating case run for %q: %w", srcCase.Name, err)
		}

		for _, m := range srcCase.Metrics {
			record := MetricRecord{
				CaseRunID: run.ID,
				Name:      m.Name,
				Unit:      m.Unit,
				Value:     m.Value,
			}

			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("creating metric %q: %w", m.Name, err)
			}
		}

		summary.CasesImported++

		if srcCase.Outcome == report.OutcomeFailed || srcCase.Outcome == report.OutcomeError {
			summary.FailuresImported++
		}
	}

	return nil
}

func (s *store) ListSuites(ctx context.Context, testRunID string) ([]Suite, error) {
	var suites []Suite
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("id ASC").
		Find(&suites).Error; err != nil {
		return nil, fmt.Errorf("listing suites: %w", err)
	}

	return suites, nil
}

func (s *store) ListCaseRuns(ctx context.Context, testRunID string) ([]CaseRun, error) {
	var runs []CaseRun
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing case runs: %w", err)
	}

	return runs, nil
}

// --- Case run assignment and outcomes ---

func (s *store) GetCaseRun(ctx context.Context, id string) (*CaseRun, error) {
	var run CaseRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, notFoundOr("getting case run", err)
	}

	return &run, nil
}

func (s *store) AssignCaseRun(ctx context.Context, id string, assignee Assignee) error {
	result := s.db.WithContext(ctx).
		Model(&CaseRun{}).
		Where("id = ?", id).
		Update("assignee", assignee)
	if result.Error != nil {
		return fmt.Errorf("assigning case run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *store) UpdateCaseRunOutcome(ctx context.Context, id, outcome, message string) error {
	result := s.db.WithContext(ctx).
		Model(&CaseRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"outcome": outcome,
			"message": message,
		})
	if result.Error != nil {
		return fmt.Errorf("updating case run outcome: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// --- Principals ---

// SeedPrincipals upserts config-sourced principals, hashing each token
// with bcrypt.
func (s *store) SeedPrincipals(
	ctx context.Context, principals []config.PrincipalConfig,
) error {
	for _, p := range principals {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(p.Token), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing token for %q: %w", p.Name, err)
		}

		record := &Principal{
			Name:      p.Name,
			TokenHash: string(hash),
			Role:      p.Role,
			Projects:  strings.Join(p.Projects, ","),
		}

		result := s.db.WithContext(ctx).
			Where("name = ?", p.Name).
			Assign(Principal{
				TokenHash: record.TokenHash,
				Role:      record.Role,
				Projects:  record.Projects,
			}).
			FirstOrCreate(record)
		if result.Error != nil {
			return fmt.Errorf("seeding principal %q: %w", p.Name, result.Error)
		}
	}

	if len(principals) > 0 {
		s.log.WithField("count", len(principals)).
			Info("Seeded principals from config")
	}

	return nil
}

// AuthenticateToken resolves a bearer token to a principal. Tokens are
// bcrypt-hashed, so the seeded set is scanned and compared; the set is
// config-sized, not user-sized.
func (s *store) AuthenticateToken(ctx context.Context, token string) (*Principal, error) {
	var principals []Principal
	if err := s.db.WithContext(ctx).Find(&principals).Error; err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}

	for i := range principals {
		if bcrypt.CompareHashAndPassword(
			[]byte(principals[i].TokenHash), []byte(token),
		) == nil {
			return &principals[i], nil
		}
	}

	return nil, ErrUnauthorized
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return fmt.Errorf("%s: %w", op, err)
}
