package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	fileutil "clipbatch/internal/file"

	"github.com/rs/zerolog/log"
)

// Entry is one local file to place into the archive.
type Entry struct {
	Name string
	Path string
}

// Result describes the outcome of adding a single entry to the zip.
type Result struct {
	Filename string
	Err      string
}

// Builder assembles entries into a zip at destZipPath. Injectable for tests.
type Builder func(ctx context.Context, destZipPath string, entries []Entry) ([]Result, error)

var ErrNoEntries = errors.New("no entries provided")

// Build writes the given local files into a zip at destZipPath. It always
// returns a results slice of the same length as entries; an entry that could
// not be read is reported in its Result and omitted from the archive. The
// archive appears at destZipPath only once it is complete.
func Build(ctx context.Context, destZipPath string, entries []Entry) ([]Result, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	results := make([]Result, len(entries))
	err := fileutil.WriteAtomic(destZipPath, func(w io.Writer) error {
		zipWriter := zip.NewWriter(w)
		seen := make(map[string]struct{}, len(entries))
		for i, entry := range entries {
			if err := ctx.Err(); err != nil {
				_ = zipWriter.Close()
				return fmt.Errorf("packaging interrupted: %w", err)
			}
			name := uniqueName(seen, deriveFilename(entry, i))
			results[i] = addEntry(zipWriter, entry, name)
		}
		if err := zipWriter.Close(); err != nil {
			return fmt.Errorf("close zip writer: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("path", destZipPath).Msg("building archive failed")
		return results, err
	}
	return results, nil
}

// addEntry copies one local file into the zip, returning the Result.
func addEntry(zipWriter *zip.Writer, entry Entry, name string) Result {
	result := Result{Filename: name}

	source, err := os.Open(entry.Path) //nolint:gosec // path produced by the retriever under the job dir
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("path", entry.Path).Err(err).Msg("open archive entry failed")
		return result
	}
	defer func() { _ = source.Close() }()

	zipEntryWriter, err := zipWriter.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("name", name).Err(err).Msg("zip entry create failed")
		return result
	}
	if _, err := io.Copy(zipEntryWriter, source); err != nil {
		result.Err = err.Error()
		log.Warn().Str("name", name).Err(err).Msg("copy into zip failed")
		return result
	}
	return result
}

// deriveFilename prefers the entry name, then the file's base name, then an
// index-based fallback.
func deriveFilename(entry Entry, index int) string {
	for _, candidate := range []string{entry.Name, filepath.Base(entry.Path)} {
		candidate = strings.TrimSpace(filepath.Base(filepath.ToSlash(candidate)))
		if candidate != "" && candidate != "." && candidate != "/" {
			return candidate
		}
	}
	return fmt.Sprintf("clip-%d", index+1)
}

// uniqueName appends (n) before the extension until name is unused.
func uniqueName(seen map[string]struct{}, name string) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		if _, taken := seen[candidate]; !taken {
			seen[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s(%d)%s", stem, n, ext)
	}
}
