package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildZip creates an in-memory zip from a name -> content map plus an
// ordered name list so entry order is deterministic.
func buildZip(t *testing.T, names []string, contents map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)

		_, err = f.Write([]byte(contents[name]))
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestOpen_NormalizesEntryPaths(t *testing.T) {
	data := buildZip(t,
		[]string{`results\windows.xml`, "results/unix.xml"},
		map[string]string{
			`results\windows.xml`: "<a/>",
			"results/unix.xml":    "<b/>",
		},
	)

	a, err := Open(data)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"results/windows.xml", "results/unix.xml"},
		a.Entries(),
	)
}

func TestOpen_Corrupt(t *testing.T) {
	_, err := Open([]byte("definitely not a zip"))
	require.Error(t, err)
}

func TestRead(t *testing.T) {
	data := buildZip(t,
		[]string{"report.xml"},
		map[string]string{"report.xml": "<testsuite name=\"x\"/>"},
	)

	a, err := Open(data)
	require.NoError(t, err)

	content, err := a.Read(context.Background(), "report.xml")
	require.NoError(t, err)
	assert.Equal(t, "<testsuite name=\"x\"/>", string(content))

	_, err = a.Read(context.Background(), "missing.xml")
	require.Error(t, err)
}

func TestRead_Cancelled(t *testing.T) {
	data := buildZip(t,
		[]string{"report.xml"},
		map[string]string{"report.xml": "<testsuite name=\"x\"/>"},
	)

	a, err := Open(data)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = a.Read(ctx, "report.xml")
	require.ErrorIs(t, err, context.Canceled)
}
