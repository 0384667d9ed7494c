package lib

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSource is read sequentially in bounded chunks by an Uploader.
type FileSource interface {
	// Read returns up to max bytes, or io.EOF once the file is exhausted.
	Read(max int) ([]byte, error)
	Size() (int64, error)
	Close() error
}

// FileSink is appended to sequentially by a Downloader.
type FileSink interface {
	Append(data []byte) error
	Close() error
}

type fileSource struct {
	f *os.File
}

// OpenFileSource opens path for reading.
func OpenFileSource(path string) (FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &fileSource{f: f}, nil
}

func (s *fileSource) Read(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := io.ReadFull(s.f, buf)
	switch {
	case n > 0:
		return buf[:n], nil
	case errors.Is(err, io.ErrUnexpectedEOF), err == nil:
		return nil, io.EOF
	}
	return nil, err
}

func (s *fileSource) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *fileSource) Close() error {
	return s.f.Close()
}

type fileSink struct {
	f *os.File
}

// CreateFileSink creates (or truncates) path for appending.
func CreateFileSink(path string) (FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f}, nil
}

func (s *fileSink) Append(data []byte) error {
	_, err := s.f.Write(data)
	return err
}

// Close flushes the file to stable storage before closing it.
func (s *fileSink) Close() error {
	syncErr := s.f.Sync()
	if err := s.f.Close(); err != nil {
		return err
	}
	return syncErr
}

// StoragePath maps a client supplied file name into dir, keeping only its base name.
func StoragePath(dir, name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(dir, base), nil
}
