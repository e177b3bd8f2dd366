// Package media validates local files before they are offered to a renderer.
package media

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"

	"go2tv.app/sonosplay/internal/adapters/go2tv"
	"go2tv.app/sonosplay/internal/domain"
)

const fallbackContentType = "application/octet-stream"

var sniffMediaType = go2tv.MediaTypeFor

// Inspect resolves path to an absolute regular file that can be opened for
// reading and describes it. Every failure is a FILE_ERROR carrying the path.
func Inspect(path string) (domain.MediaFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.MediaFile{}, fileError(path, errors.New("no file selected"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.MediaFile{}, fileError(path, err)
	}
	abs = filepath.Clean(abs)

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.MediaFile{}, fileError(abs, errors.New("file not found"))
		}
		return domain.MediaFile{}, fileError(abs, err)
	}
	if info.IsDir() {
		return domain.MediaFile{}, fileError(abs, errors.New("path is a directory"))
	}
	if !info.Mode().IsRegular() {
		return domain.MediaFile{}, fileError(abs, errors.New("not a regular file"))
	}

	f, err := os.Open(abs)
	if err != nil {
		return domain.MediaFile{}, fileError(abs, fmt.Errorf("unable to read file: %w", err))
	}
	defer f.Close()

	return domain.MediaFile{
		Path:        abs,
		Name:        filepath.Base(abs),
		ContentType: detectContentType(abs),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		Title:       readTitle(f, abs),
	}, nil
}

func detectContentType(path string) string {
	mediaType, err := sniffMediaType(path)
	if err == nil && mediaType != "" && mediaType != "/" && mediaType != fallbackContentType {
		return mediaType
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
		if guessed := mime.TypeByExtension(ext); guessed != "" {
			parts := strings.Split(guessed, ";")
			return strings.TrimSpace(parts[0])
		}
	}
	return fallbackContentType
}

// readTitle prefers the embedded title tag and falls back to the file name
// without its extension. Tag parse failures are expected for untagged files.
func readTitle(r io.ReadSeeker, path string) string {
	if metadata, err := tag.ReadFrom(r); err == nil {
		if title := strings.TrimSpace(metadata.Title()); title != "" {
			return title
		}
	}
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func fileError(path string, err error) *domain.Error {
	return domain.NewError(domain.KindFile, "inspect", err).WithFile(path)
}
