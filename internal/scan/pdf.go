package scan

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
)

// Rasterizer converts pdf scans into page images by running pdftoppm.
type Rasterizer struct {
	Binary string // defaults to "pdftoppm"
	DPI    int    // defaults to 200
}

// Rasterize renders every page of the pdf at path.
func (r *Rasterizer) Rasterize(ctx context.Context, path string) ([]image.Image, error) {
	bin := r.Binary
	if bin == "" {
		bin = "pdftoppm"
	}
	dpi := r.DPI
	if dpi <= 0 {
		dpi = 200
	}

	tmpDir, err := os.MkdirTemp("", "scangrade-pdf-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-r", fmt.Sprint(dpi), "-png", path, filepath.Join(tmpDir, "page"))
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", bin, path, err, bytes.TrimSpace(stderr.Bytes()))
	}

	names, err := filepath.Glob(filepath.Join(tmpDir, "page-*.png"))
	if err != nil {
		return nil, err
	}
	// pdftoppm zero-pads page numbers to a common width, so lexical order is page order.
	sort.Strings(names)

	pages := make([]image.Image, 0, len(names))
	for _, name := range names {
		img, err := imaging.Open(name)
		if err != nil {
			return nil, fmt.Errorf("decode rasterized page %s: %w", name, err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}
