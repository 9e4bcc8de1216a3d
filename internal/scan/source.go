// Package scan loads scanned source files into page images.
//
// A source file is one of:
//   - a single page image (png, jpg, jpeg, gif, bmp, tif, tiff)
//   - a zip archive of page images, pages ordered by entry name
//   - a pdf, rasterized through pdftoppm
package scan

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
)

// ErrUnsupportedSource indicates a file extension scangrade cannot read.
var ErrUnsupportedSource = errors.New("unsupported source file")

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true,
}

// Supported reports whether name has a readable source extension.
func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return imageExts[ext] || ext == ".zip" || ext == ".pdf"
}

// ListSources returns the supported file names in dir, sorted. Names are
// relative to dir and serve as source file ids.
func ListSources(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list sources in %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !Supported(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Loader reads source files into page images.
type Loader struct {
	PDF *Rasterizer // nil disables pdf sources
}

// Load returns the pages of the source file at path in page order.
func (l *Loader) Load(ctx context.Context, path string) ([]image.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExts[ext]:
		img, err := imaging.Open(path)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return []image.Image{img}, nil
	case ext == ".zip":
		return loadZip(path)
	case ext == ".pdf":
		if l.PDF == nil {
			return nil, fmt.Errorf("%w: %s (pdf rasterizer disabled)", ErrUnsupportedSource, path)
		}
		return l.PDF.Rasterize(ctx, path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
}

func loadZip(path string) ([]image.Image, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer zr.Close()

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !imageExts[strings.ToLower(filepath.Ext(f.Name))] {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	pages := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := decodeEntry(f)
		if err != nil {
			return nil, fmt.Errorf("decode %s!%s: %w", path, f.Name, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}

func decodeEntry(f *zip.File) (image.Image, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return imaging.Decode(rc)
}
