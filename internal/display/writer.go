package display

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gocv.io/x/gocv"

	"github.com/norbertmarko/sn-perception/acquisition"
	"github.com/norbertmarko/sn-perception/internal/transform"
)

// DefaultPersistPath is where the latest frame goes when no path is configured
const DefaultPersistPath = "right.png"

var supportedExt = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".ppm":  true,
	".pgm":  true,
	".tif":  true,
	".tiff": true,
}

// Writer persists the latest display image to a fixed path.
//
// Each write encodes to a temporary file next to the target and renames it
// over the target, so readers never see a partial image. The file extension
// selects the codec.
type Writer struct {
	path        string
	jpegQuality int
	writes      atomic.Uint64
}

var _ acquisition.Persister = (*Writer)(nil)

// NewWriter validates path and returns a writer for it.
// jpegQuality (1-100) applies to .jpg/.jpeg; 0 keeps the OpenCV default.
func NewWriter(path string, jpegQuality int) (*Writer, error) {
	if path == "" {
		path = DefaultPersistPath
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedExt[ext] {
		return nil, fmt.Errorf("display: unsupported image extension %q", ext)
	}
	if jpegQuality < 0 || jpegQuality > 100 {
		return nil, fmt.Errorf("display: invalid jpeg quality %d (must be 0-100)", jpegQuality)
	}

	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("display: directory %q not usable for %s", dir, path)
	}

	slog.Debug("display: persisting latest frame", "path", path, "jpeg_quality", jpegQuality)
	return &Writer{path: path, jpegQuality: jpegQuality}, nil
}

// Path returns the target file
func (w *Writer) Path() string {
	return w.path
}

// Writes returns the number of successful writes
func (w *Writer) Writes() uint64 {
	return w.writes.Load()
}

// Write encodes img and atomically replaces the target file
func (w *Writer) Write(img acquisition.Image) error {
	mat, err := transform.ToBGRMat(img)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}
	defer mat.Close()

	tmp := w.tempPath()
	var ok bool
	if params := w.params(); len(params) > 0 {
		ok = gocv.IMWriteWithParams(tmp, mat, params)
	} else {
		ok = gocv.IMWrite(tmp, mat)
	}
	if !ok {
		_ = os.Remove(tmp)
		return fmt.Errorf("display: failed to encode %s", tmp)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("display: replace %s: %w", w.path, err)
	}

	w.writes.Add(1)
	return nil
}

// tempPath keeps the extension so imgcodecs picks the same encoder
func (w *Writer) tempPath() string {
	dir, base := filepath.Split(w.path)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+".tmp"+ext)
}

func (w *Writer) params() []int {
	ext := strings.ToLower(filepath.Ext(w.path))
	if w.jpegQuality > 0 && (ext == ".jpg" || ext == ".jpeg") {
		return []int{int(gocv.IMWriteJpegQuality), w.jpegQuality}
	}
	return nil
}
