package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// Archive is an opened zip container. Entry paths are normalized to
// forward slashes so archives produced on either separator convention
// behave identically.
type Archive struct {
	reader *zip.Reader
	paths  []string
	byPath map[string]*zip.File
}

// Open parses raw zip bytes. A corrupt or unreadable container is an
// error; the caller treats it as fatal to the whole import.
func Open(data []byte) (*Archive, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	a := &Archive{
		reader: reader,
		paths:  make([]string, 0, len(reader.File)),
		byPath: make(map[string]*zip.File, len(reader.File)),
	}

	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}

		path := NormalizePath(f.Name)
		a.paths = append(a.paths, path)
		a.byPath[path] = f
	}

	return a, nil
}

// Entries returns the normalized paths of all file entries, in archive
// order.
func (a *Archive) Entries() []string {
	return append([]string(nil), a.paths...)
}

// Read returns the contents of one entry. The context is checked before
// the read starts so a cancelled import does not keep decompressing.
func (a *Archive) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, ok := a.byPath[NormalizePath(path)]
	if !ok {
		return nil, fmt.Errorf("no entry %q in archive", path)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening entry %q: %w", path, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading entry %q: %w", path, err)
	}

	return data, nil
}

// NormalizePath converts backslash separators to forward slashes and
// strips any leading separator.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")

	return strings.TrimPrefix(path, "/")
}
