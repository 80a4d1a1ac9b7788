package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testplane/testplane/pkg/bus"
	"github.com/testplane/testplane/pkg/config"
	"github.com/testplane/testplane/pkg/report"
	"github.com/testplane/testplane/pkg/storage"
	"github.com/testplane/testplane/pkg/store"
)

const passingReport = `<testsuites>
  <testsuite name="auth">
    <testcase name="login" time="0.25"/>
    <testcase name="logout" time="0.10"/>
  </testsuite>
</testsuites>`

const failingReport = `<testsuite name="billing">
  <testcase name="invoice" time="0.50"/>
  <testcase name="refund">
    <failure message="amount mismatch"/>
  </testcase>
  <testcase name="void"/>
</testsuite>`

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)

	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)

		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	return buf.Bytes()
}

type fixture struct {
	importer  Importer
	store     store.Store
	bus       bus.Bus
	principal *store.Principal
}

func newFixture(t *testing.T, writer storage.Writer) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	ctx := context.Background()
	require.NoError(t, st.CreateTestRun(ctx, &store.TestRun{ID: "run-1", ProjectID: "proj-1"}))

	b := bus.New(log)

	im := NewImporter(log, &config.IngestConfig{
		DefaultPattern:   "**/*.xml",
		ParseConcurrency: 4,
	}, st, b, writer)

	return &fixture{
		importer:  im,
		store:     st,
		bus:       b,
		principal: &store.Principal{Name: "ci", Projects: "proj-1"},
	}
}

func TestImport_PartialSuccess(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	data := buildZip(t, map[string]string{
		"reports/auth.xml":    passingReport,
		"reports/billing.xml": failingReport,
		"reports/broken.xml":  "<testsuite name=\"x\"><testcase",
		"reports/notes.txt":   "not a report",
	})

	outcome, err := fx.importer.Import(ctx, fx.principal, "run-1", "", data)
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.FilesMatched)
	assert.Equal(t, 2, outcome.FilesParsed)
	assert.Equal(t, 1, outcome.FilesFailed)
	assert.Equal(t, 5, outcome.CasesImported)
	assert.Equal(t, 1, outcome.FailuresImported)
	require.Len(t, outcome.FileErrors, 1)
	assert.Equal(t, "reports/broken.xml", outcome.FileErrors[0].Path)

	suites, err := fx.store.ListSuites(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, suites, 2)

	runs, err := fx.store.ListCaseRuns(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}

func TestImport_NoMatchesNoMutation(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	data := buildZip(t, map[string]string{
		"reports/auth.xml": passingReport,
	})

	outcome, err := fx.importer.Import(ctx, fx.principal, "run-1", "**/*.json", data)
	require.NoError(t, err)

	assert.Equal(t, 0, outcome.FilesMatched)
	assert.Empty(t, outcome.AttemptID)

	runs, err := fx.store.ListCaseRuns(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestImport_ForbiddenProject(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	data := buildZip(t, map[string]string{"a.xml": passingReport})

	outsider := &store.Principal{Name: "other", Projects: "proj-2"}

	_, err := fx.importer.Import(ctx, outsider, "run-1", "", data)
	require.ErrorIs(t, err, ErrForbidden)

	// Nothing may land on an authorization failure.
	runs, err := fx.store.ListCaseRuns(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestImport_UnknownTestRun(t *testing.T) {
	fx := newFixture(t, nil)

	data := buildZip(t, map[string]string{"a.xml": passingReport})

	_, err := fx.importer.Import(context.Background(), fx.principal, "missing", "", data)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImport_BadArchive(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.importer.Import(context.Background(), fx.principal, "run-1", "", []byte("not a zip"))
	assert.ErrorIs(t, err, ErrBadArchive)
}

func TestImport_PublishesCompletionEvent(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	var got ImportCompleted

	fx.bus.Subscribe(bus.KindImportCompleted, func(_ context.Context, ev bus.Event) error {
		got = ev.Payload.(ImportCompleted)

		return nil
	})

	data := buildZip(t, map[string]string{"a.xml": passingReport})

	outcome, err := fx.importer.Import(ctx, fx.principal, "run-1", "", data)
	require.NoError(t, err)

	assert.Equal(t, "run-1", got.TestRunID)
	assert.Equal(t, outcome.AttemptID, got.AttemptID)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, 2, got.Outcome.CasesImported)
}

func TestImport_ConcurrentSameRunSerialized(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	data := buildZip(t, map[string]string{
		"reports/auth.xml":    passingReport,
		"reports/billing.xml": failingReport,
	})

	const workers = 4

	outcomes := make([]*Outcome, workers)

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcome, err := fx.importer.Import(ctx, fx.principal, "run-1", "", data)
			assert.NoError(t, err)

			outcomes[i] = outcome
		}()
	}

	wg.Wait()

	for _, outcome := range outcomes {
		require.NotNil(t, outcome)
		assert.Equal(t, 5, outcome.CasesImported)
	}

	// Suites are upserted once; each attempt appends its own case runs.
	suites, err := fx.store.ListSuites(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, suites, 2)

	runs, err := fx.store.ListCaseRuns(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, runs, workers*5)

	// Once no import holds or waits on a run's lock, its entry is
	// dropped from the table.
	im := fx.importer.(*importer)
	im.runMuMu.Lock()
	assert.Empty(t, im.runMu)
	im.runMuMu.Unlock()
}

// cancelAwareStore serves the test-run lookup without consulting the
// context and records whether a merge was attempted.
type cancelAwareStore struct {
	store.Store
	merged bool
}

func (s *cancelAwareStore) GetTestRun(_ context.Context, id string) (*store.TestRun, error) {
	return &store.TestRun{ID: id, ProjectID: "proj-1"}, nil
}

func (s *cancelAwareStore) MergeResults(
	context.Context, string, string, []*report.Result,
) (*store.MergeSummary, error) {
	s.merged = true

	return nil, errors.New("merge reached with a cancelled context")
}

func TestImport_CancelledContext(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	st := &cancelAwareStore{}

	im := NewImporter(log, &config.IngestConfig{
		DefaultPattern:   "**/*.xml",
		ParseConcurrency: 2,
	}, st, bus.New(log), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := buildZip(t, map[string]string{"a.xml": passingReport})

	outcome, err := im.Import(ctx, &store.Principal{Name: "ci", Projects: "proj-1"}, "run-1", "", data)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, outcome)
	assert.False(t, st.merged, "cancellation must stop the import before the merge")
}

func TestImport_ArchivesRawArtifact(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	dir := t.TempDir()

	writer, err := storage.NewLocalWriter(log, &config.LocalStorageConfig{
		Enabled: true,
		Dir:     dir,
	})
	require.NoError(t, err)

	fx := newFixture(t, writer)
	ctx := context.Background()

	data := buildZip(t, map[string]string{"a.xml": passingReport})

	outcome, err := fx.importer.Import(ctx, fx.principal, "run-1", "", data)
	require.NoError(t, err)

	stored, err := os.ReadFile(filepath.Join(dir, "run-1", outcome.AttemptID, "results.zip"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}
