package utils

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

var ErrInvalidFilename = errors.New("invalid filename")

// SanitizeFilename reduces a client supplied name to a bare file name
func SanitizeFilename(filename string) (string, error) {
	cleanPath := filepath.Clean(filename)
	if filepath.IsAbs(cleanPath) || strings.Contains(cleanPath, "..") {
		return "", ErrInvalidFilename
	}
	sanitized := filepath.Base(cleanPath)
	if sanitized == "." || sanitized == string(filepath.Separator) {
		return "", ErrInvalidFilename
	}
	return sanitized, nil
}

// FormatFileSize renders a byte count for humans, e.g. "4.2 MB"
func FormatFileSize(size int64) string {
	if size < 0 {
		return "-" + humanize.Bytes(uint64(-size))
	}
	return humanize.Bytes(uint64(size))
}

// FormatRate renders a transfer rate in bytes per second
func FormatRate(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
}
