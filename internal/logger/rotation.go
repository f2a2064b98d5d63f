package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedTimeFormat = "20060102-150405.000000000"

// RotatingWriter appends to a log file and moves it aside once it reaches
// maxSize. Rotated files older than maxAge days are removed. It is safe for
// concurrent use since every connection queue logs from its own goroutines.
type RotatingWriter struct {
	mu       sync.Mutex
	filename string
	maxSize  int64 // bytes
	maxAge   int   // days
	compress bool

	file *os.File
	size int64
}

// NewRotatingWriter opens filename for appending, creating its directory
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAge,
		compress: compress,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	go w.cleanup()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first if p would push a non-empty file past
// maxSize. A single entry larger than maxSize still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current log file
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotate renames the current file with a timestamp suffix and reopens.
// Callers hold w.mu.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.filename + "." + time.Now().Format(rotatedTimeFormat)
	if err := os.Rename(w.filename, rotated); err != nil {
		return err
	}
	if w.compress {
		go func() { _ = compressFile(rotated) }()
	}
	return w.open()
}

// compressFile gzips path to path.gz and removes path
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// cleanup removes rotated files, compressed or not, older than maxAge days
func (w *RotatingWriter) cleanup() {
	if w.maxAge <= 0 {
		return
	}

	dir := filepath.Dir(w.filename)
	prefix := filepath.Base(w.filename) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, entry.Name()))
	}
}
