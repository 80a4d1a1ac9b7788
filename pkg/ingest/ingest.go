// Package ingest turns uploaded CI artifacts into persisted results.
// One import walks an archive, matches report files against a glob
// pattern, parses each match, and merges whatever parsed successfully
// into the test run's aggregate state. Parse failures are reported per
// file and never abort the rest of the import.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/testplane/testplane/pkg/archive"
	"github.com/testplane/testplane/pkg/bus"
	"github.com/testplane/testplane/pkg/config"
	"github.com/testplane/testplane/pkg/report"
	"github.com/testplane/testplane/pkg/storage"
	"github.com/testplane/testplane/pkg/store"
)

var (
	// ErrForbidden is returned when the principal has no access to the
	// test run's project.
	ErrForbidden = errors.New("principal has no access to project")

	// ErrBadArchive is returned when the uploaded payload is not a
	// readable zip archive. Unlike per-file parse errors this is fatal:
	// nothing inside can be trusted.
	ErrBadArchive = errors.New("unreadable archive")
)

// FileError records one report file that failed to parse.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Outcome summarizes one import. Counts cover the files the pattern
// matched, not the archive as a whole.
type Outcome struct {
	AttemptID        string      `json:"attempt_id"`
	FilesMatched     int         `json:"files_matched"`
	FilesParsed      int         `json:"files_parsed"`
	FilesFailed      int         `json:"files_failed"`
	CasesImported    int         `json:"cases_imported"`
	FailuresImported int         `json:"failures_imported"`
	FileErrors       []FileError `json:"file_errors,omitempty"`
}

// ImportCompleted is the payload published on bus.KindImportCompleted
// after a merge lands.
type ImportCompleted struct {
	TestRunID string
	AttemptID string
	Outcome   *Outcome
}

// Importer ingests uploaded result archives into a test run.
type Importer interface {
	// Import processes one uploaded archive on behalf of a principal.
	// Imports into the same test run are serialized; different runs
	// proceed concurrently.
	Import(ctx context.Context, principal *store.Principal, testRunID, pattern string, data []byte) (*Outcome, error)
}

// Compile-time interface check.
var _ Importer = (*importer)(nil)

type importer struct {
	log     logrus.FieldLogger
	cfg     *config.IngestConfig
	store   store.Store
	bus     bus.Bus
	writer  storage.Writer // optional raw artifact archival
	parser  *report.Parser
	runMuMu sync.Mutex
	runMu   map[string]*runLock
}

// runLock serializes merges into one test run. refs counts imports
// holding or waiting on the lock, guarded by importer.runMuMu.
type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewImporter creates a new Importer. writer may be nil when raw
// artifact archival is disabled.
func NewImporter(
	log logrus.FieldLogger,
	cfg *config.IngestConfig,
	st store.Store,
	b bus.Bus,
	writer storage.Writer,
) Importer {
	return &importer{
		log:    log.WithField("component", "importer"),
		cfg:    cfg,
		store:  st,
		bus:    b,
		writer: writer,
		parser: report.NewParser(report.Options{
			ExtractGeneratedNames: cfg.ExtractGeneratedNames,
			SynthesizeFolders:     cfg.SynthesizeFolders,
		}),
		runMu: make(map[string]*runLock),
	}
}

func (im *importer) Import(
	ctx context.Context,
	principal *store.Principal,
	testRunID, pattern string,
	data []byte,
) (*Outcome, error) {
	tr, err := im.store.GetTestRun(ctx, testRunID)
	if err != nil {
		return nil, err
	}

	if !principal.HasProject(tr.ProjectID) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, tr.ProjectID)
	}

	if pattern == "" {
		pattern = im.cfg.DefaultPattern
	}

	arc, err := archive.Open(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}

	matched, err := archive.Match(arc.Entries(), pattern)
	if err != nil {
		return nil, fmt.Errorf("matching pattern %q: %w", pattern, err)
	}

	outcome := &Outcome{FilesMatched: len(matched)}

	if len(matched) == 0 {
		im.log.WithFields(logrus.Fields{
			"test_run": testRunID,
			"pattern":  pattern,
		}).Warn("No report files matched pattern")

		return outcome, nil
	}

	results, fileErrors := im.parseAll(ctx, arc, matched)

	// A cancelled context shows up as a read error on every remaining
	// file; surface the cancellation instead of a pile of FileErrors.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcome.FilesParsed = len(results)
	outcome.FilesFailed = len(fileErrors)
	outcome.FileErrors = fileErrors

	// Serialize merges per test run so concurrent imports into the same
	// run cannot interleave inside the suite/case upserts.
	unlock := im.lockRun(testRunID)
	defer unlock()

	attempt := &store.ImportAttempt{
		ID:           uuid.NewString(),
		TestRunID:    testRunID,
		Principal:    principal.Name,
		Pattern:      pattern,
		FilesMatched: outcome.FilesMatched,
		FilesParsed:  outcome.FilesParsed,
		FilesFailed:  outcome.FilesFailed,
	}

	summary, err := im.store.MergeResults(ctx, testRunID, attempt.ID, results)
	if err != nil {
		return nil, fmt.Errorf("merging results: %w", err)
	}

	outcome.AttemptID = attempt.ID
	outcome.CasesImported = summary.CasesImported
	outcome.FailuresImported = summary.FailuresImported
	attempt.CasesImported = summary.CasesImported
	attempt.FailuresImported = summary.FailuresImported

	if err := im.store.CreateImportAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("recording import attempt: %w", err)
	}

	if im.writer != nil {
		key := fmt.Sprintf("%s/%s/results.zip", testRunID, attempt.ID)
		if err := im.writer.Put(ctx, key, data); err != nil {
			// Archival is best effort; the merge already landed.
			im.log.WithError(err).WithField("key", key).
				Warn("Archiving raw artifact failed")
		}
	}

	if err := im.bus.Publish(ctx, bus.Event{
		Kind: bus.KindImportCompleted,
		Payload: ImportCompleted{
			TestRunID: testRunID,
			AttemptID: attempt.ID,
			Outcome:   outcome,
		},
	}); err != nil {
		im.log.WithError(err).Warn("Import completion handler failed")
	}

	im.log.WithFields(logrus.Fields{
		"test_run": testRunID,
		"attempt":  attempt.ID,
		"matched":  outcome.FilesMatched,
		"parsed":   outcome.FilesParsed,
		"failed":   outcome.FilesFailed,
		"cases":    outcome.CasesImported,
	}).Info("Import completed")

	return outcome, nil
}

// parseAll parses matched report files concurrently, preserving the
// match order of successful results. A file that fails to parse
// produces a FileError instead of aborting the batch.
func (im *importer) parseAll(
	ctx context.Context, arc *archive.Archive, paths []string,
) ([]*report.Result, []FileError) {
	concurrency := im.cfg.ParseConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	type slot struct {
		result *report.Result
		err    error
	}

	slots := make([]slot, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, path := range paths {
		g.Go(func() error {
			data, err := arc.Read(gctx, path)
			if err != nil {
				slots[i] = slot{err: err}

				return nil
			}

			result, err := im.parser.Parse(data)
			slots[i] = slot{result: result, err: err}

			return nil
		})
	}

	// Workers never return errors; failures live in their slots.
	_ = g.Wait()

	var (
		results    []*report.Result
		fileErrors []FileError
	)

	for i, s := range slots {
		if s.err != nil {
			im.log.WithError(s.err).WithField("path", paths[i]).
				Warn("Report file failed to parse")

			fileErrors = append(fileErrors, FileError{
				Path:  paths[i],
				Error: s.err.Error(),
			})

			continue
		}

		results = append(results, s.result)
	}

	return results, fileErrors
}

// lockRun acquires the per-test-run merge lock and returns its release
// func. Entries are refcounted and dropped from the map once no import
// holds or waits on them, so the map does not grow with run ids.
func (im *importer) lockRun(testRunID string) func() {
	im.runMuMu.Lock()

	l, ok := im.runMu[testRunID]
	if !ok {
		l = &runLock{}
		im.runMu[testRunID] = l
	}

	l.refs++
	im.runMuMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		im.runMuMu.Lock()
		l.refs--

		if l.refs == 0 {
			delete(im.runMu, testRunID)
		}
		im.runMuMu.Unlock()
	}
}
