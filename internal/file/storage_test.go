package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.iso")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	img, err := OpenImage(path)
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, int64(10), img.Size())
	assert.Equal(t, "boot.iso", img.Name())
	buf := make([]byte, 4)
	_, err = img.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf))

	_, err = OpenImage(filepath.Dir(path))
	assert.Error(t, err)
}

func TestUploadResumesFromIncomplete(t *testing.T) {
	store, err := NewStorage(t.TempDir())
	require.NoError(t, err)

	first, err := store.BeginUpload("disk.img", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Start)
	_, err = first.Write([]byte("01234"))
	require.NoError(t, err)
	done, err := first.Finish()
	require.NoError(t, err)
	assert.False(t, done)

	files, err := store.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "disk.img"+IncompleteSuffix, files[0].Filename)

	second, err := store.BeginUpload("disk.img", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), second.Start)
	_, err = second.Write([]byte("56789"))
	require.NoError(t, err)
	done, err = second.Finish()
	require.NoError(t, err)
	assert.True(t, done)

	size, err := store.Stat("disk.img")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	_, err = store.BeginUpload("disk.img", 10)
	assert.ErrorIs(t, err, ErrFileExists)
}

func TestStorageDelete(t *testing.T) {
	store, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "a.iso"), []byte("x"), 0644))

	require.NoError(t, store.Delete("a.iso"))
	assert.ErrorIs(t, store.Delete("a.iso"), ErrFileNotFound)
	_, err = store.Stat("../etc/passwd")
	assert.Error(t, err)
}

func TestStorageSpace(t *testing.T) {
	store, err := NewStorage(t.TempDir())
	require.NoError(t, err)

	space, err := store.Space()
	require.NoError(t, err)
	assert.Greater(t, space.BytesFree+space.BytesUsed, int64(0))
}
