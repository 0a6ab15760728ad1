package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kvmmount/pkg/types"
	"kvmmount/pkg/utils"

	"github.com/shirou/gopsutil/v3/disk"
)

// IncompleteSuffix marks an upload that has not received every byte yet
const IncompleteSuffix = ".incomplete"

var (
	ErrFileExists   = errors.New("file already exists")
	ErrFileNotFound = errors.New("file does not exist")
)

// Storage is the device's image directory
type Storage struct {
	dir string
}

// NewStorage creates dir if needed
func NewStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Storage{dir: dir}, nil
}

func (s *Storage) Dir() string {
	return s.dir
}

// Path resolves a client supplied name inside the storage directory
func (s *Storage) Path(filename string) (string, error) {
	name, err := utils.SanitizeFilename(filename)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// List returns the stored images. Partial uploads are listed too, under
// their .incomplete name.
func (s *Storage) List() ([]types.StorageFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	files := make([]types.StorageFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to get file info: %w", err)
		}
		files = append(files, types.StorageFile{
			Filename:  entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files, nil
}

// Stat returns the size of a complete image
func (s *Storage) Stat(filename string) (int64, error) {
	path, err := s.Path(filename)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}
	return info.Size(), nil
}

// Open opens a complete image for reading
func (s *Storage) Open(filename string) (*Image, error) {
	path, err := s.Path(filename)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	return OpenImage(path)
}

// Delete removes an image
func (s *Storage) Delete(filename string) error {
	path, err := s.Path(filename)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Space reports usage of the filesystem holding the storage directory
func (s *Storage) Space() (types.StorageSpace, error) {
	usage, err := disk.Usage(s.dir)
	if err != nil {
		return types.StorageSpace{}, fmt.Errorf("failed to get storage stats: %w", err)
	}
	return types.StorageSpace{
		BytesUsed: int64(usage.Used),
		BytesFree: int64(usage.Free),
	}, nil
}

// PartialUpload appends to a <name>.incomplete file and renames it once every byte is in
type PartialUpload struct {
	file  *os.File
	path  string
	Size  int64
	Start int64
}

// BeginUpload opens or resumes the partial upload for filename. Start is
// the size already on disk; its content is not checked against the new image.
func (s *Storage) BeginUpload(filename string, size int64) (*PartialUpload, error) {
	path, err := s.Path(filename)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileExists, filepath.Base(path))
	}

	partial := path + IncompleteSuffix
	var start int64
	if info, err := os.Stat(partial); err == nil {
		start = info.Size()
	}

	f, err := os.OpenFile(partial, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for upload: %w", err)
	}
	return &PartialUpload{file: f, path: partial, Size: size, Start: start}, nil
}

func (u *PartialUpload) Write(p []byte) (int, error) {
	return u.file.Write(p)
}

// Finish closes the file and, when written bytes reach Size, drops the
// .incomplete suffix. It reports whether the upload completed.
func (u *PartialUpload) Finish() (bool, error) {
	if err := u.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return false, err
	}
	info, err := os.Stat(u.path)
	if err != nil {
		return false, err
	}
	if info.Size() < u.Size {
		return false, nil
	}
	if err := os.Rename(u.path, strings.TrimSuffix(u.path, IncompleteSuffix)); err != nil {
		return false, fmt.Errorf("failed to rename uploaded file: %w", err)
	}
	return true, nil
}
