package file

import (
	"fmt"
	"os"
)

// Image is a local disk image opened for random access
type Image struct {
	file *os.File
	size int64
	name string
}

// OpenImage opens a regular file for reading and records its size
func OpenImage(path string) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get image info: %w", err)
	}
	if !stat.Mode().IsRegular() {
		file.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	return &Image{
		file: file,
		size: stat.Size(),
		name: stat.Name(),
	}, nil
}

func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	return i.file.ReadAt(p, off)
}

func (i *Image) Close() error {
	return i.file.Close()
}

func (i *Image) Size() int64 {
	return i.size
}

func (i *Image) Name() string {
	return i.name
}
