// Package assembler writes scanned pages into per-page bundles for grading
// and reassembles graded bundles into one PDF per student.
package assembler

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/scangrade/internal/logging"
	"github.com/ChuLiYu/scangrade/pkg/types"
	"github.com/disintegration/imaging"
)

var log = logging.Logger("assembler")

// ManifestName is the bundle entry describing the bundle.
const ManifestName = "manifest.json"

// ErrBadBundle indicates a bundle without a readable manifest or with a
// manifest that lists missing files.
var ErrBadBundle = errors.New("malformed page bundle")

// Entry 一份試卷在 bundle 中的頁面
type Entry struct {
	CopyIndex  int    `json:"copy_index"`
	Label      string `json:"label"`
	File       string `json:"file"`
	SourceFile string `json:"source_file"`
	PageOffset int    `json:"page_offset"`
}

// Manifest bundle 內容描述
type Manifest struct {
	ExamPrefix string                `json:"exam_prefix"`
	PageIndex  int                   `json:"page_index"`
	Layout     *types.ScoreBoxLayout `json:"layout,omitempty"`
	Entries    []Entry               `json:"entries"`
}

// Bundle is a page bundle loaded in memory.
type Bundle struct {
	Path     string
	Manifest Manifest
	files    map[string][]byte
}

func newBundle(path, prefix string, pageIndex int, layout *types.ScoreBoxLayout) *Bundle {
	return &Bundle{
		Path:     path,
		Manifest: Manifest{ExamPrefix: prefix, PageIndex: pageIndex, Layout: layout},
		files:    make(map[string][]byte),
	}
}

// ReadBundle loads the bundle at path.
func ReadBundle(path string) (*Bundle, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	defer zr.Close()

	b := &Bundle{Path: path, files: make(map[string][]byte)}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open bundle %s: %w", path, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read bundle %s entry %s: %w", path, f.Name, err)
		}
		b.files[f.Name] = data
	}

	raw, ok := b.files[ManifestName]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %s", ErrBadBundle, path, ManifestName)
	}
	delete(b.files, ManifestName)
	if err := json.Unmarshal(raw, &b.Manifest); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadBundle, path, err)
	}
	for _, e := range b.Manifest.Entries {
		if _, ok := b.files[e.File]; !ok {
			return nil, fmt.Errorf("%w: %s lists missing file %s", ErrBadBundle, path, e.File)
		}
	}
	return b, nil
}

// EntryFile names the image of copyIndex inside a bundle.
func EntryFile(copyIndex int) string {
	return fmt.Sprintf("C%03d.png", copyIndex)
}

// Entry returns the entry of copyIndex.
func (b *Bundle) Entry(copyIndex int) (Entry, bool) {
	for _, e := range b.Manifest.Entries {
		if e.CopyIndex == copyIndex {
			return e, true
		}
	}
	return Entry{}, false
}

// PNG returns the encoded page image of e.
func (b *Bundle) PNG(e Entry) []byte {
	return b.files[e.File]
}

// Image decodes the page image of e.
func (b *Bundle) Image(e Entry) (image.Image, error) {
	data, ok := b.files[e.File]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %s", ErrBadBundle, b.Path, e.File)
	}
	return imaging.Decode(bytes.NewReader(data))
}

// put adds or replaces the entry of e.CopyIndex. It reports whether the
// bundle changed.
func (b *Bundle) put(e Entry, png []byte) bool {
	e.File = EntryFile(e.CopyIndex)
	for i, old := range b.Manifest.Entries {
		if old.CopyIndex != e.CopyIndex {
			continue
		}
		if old == e && bytes.Equal(b.files[old.File], png) {
			return false
		}
		if old.File != e.File {
			delete(b.files, old.File)
		}
		b.Manifest.Entries[i] = e
		b.files[e.File] = png
		return true
	}
	b.Manifest.Entries = append(b.Manifest.Entries, e)
	sort.Slice(b.Manifest.Entries, func(i, j int) bool {
		return b.Manifest.Entries[i].CopyIndex < b.Manifest.Entries[j].CopyIndex
	})
	b.files[e.File] = png
	return true
}

// write stores the bundle atomically (temp + rename).
func (b *Bundle) write() error {
	manifest, err := json.MarshalIndent(b.Manifest, "", "  ")
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := addZipFile(zw, ManifestName, manifest); err != nil {
		return err
	}
	for _, e := range b.Manifest.Entries {
		if err := addZipFile(zw, e.File, b.files[e.File]); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(b.Path), 0755); err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write bundle %s: %w", b.Path, err)
	}
	if err := os.Rename(tmp, b.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write bundle %s: %w", b.Path, err)
	}
	return nil
}

func addZipFile(zw *zip.Writer, name string, data []byte) error {
	// PNG data is already compressed
	method := zip.Store
	if name == ManifestName {
		method = zip.Deflate
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ListBundles returns the bundles in dir whose names match pattern
// (e.g. "for-page-*.zip"), ordered by page index.
func ListBundles(dir, pattern string) ([]*Bundle, error) {
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	bundles := make([]*Bundle, 0, len(paths))
	for _, p := range paths {
		b, err := ReadBundle(p)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].Manifest.PageIndex < bundles[j].Manifest.PageIndex
	})
	return bundles, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
