package types

import (
	"errors"
	"net/url"
	"path"
	"time"
)

// MediaSource identifies where the device reads the mounted image from
type MediaSource string

const (
	SourceNone    MediaSource = ""
	SourceWebRTC  MediaSource = "WebRTC"
	SourceHTTP    MediaSource = "HTTP"
	SourceStorage MediaSource = "Storage"
)

// MediaMode selects how the image is exposed to the host
type MediaMode string

const (
	ModeCDROM MediaMode = "CDROM"
	ModeDisk  MediaMode = "Disk"
)

var (
	ErrModeRequired        = errors.New("mode is required when media is mounted")
	ErrFieldsWithoutSource = errors.New("media fields set without a source")
)

// ParseMediaMode parses a mode name, defaulting to CDROM for an empty string
func ParseMediaMode(s string) (MediaMode, error) {
	switch s {
	case "", "cdrom", "CDROM":
		return ModeCDROM, nil
	case "disk", "Disk", "DISK":
		return ModeDisk, nil
	}
	return "", errors.New("unknown media mode: " + s)
}

// VirtualMediaState is the device's authoritative view of what is mounted.
// A nil state on the wire means nothing is mounted.
type VirtualMediaState struct {
	Source   MediaSource `json:"source"`
	Mode     MediaMode   `json:"mode"`
	Filename string      `json:"filename,omitempty"`
	URL      string      `json:"url,omitempty"`
	Path     string      `json:"path,omitempty"`
	Size     int64       `json:"size"`
}

// Mounted reports whether the state describes an attached image
func (s VirtualMediaState) Mounted() bool {
	return s.Source != SourceNone
}

// Normalize fills in derived fields. HTTP mounts without a filename take the
// last segment of the URL path.
func (s VirtualMediaState) Normalize() VirtualMediaState {
	if s.Source == SourceHTTP && s.Filename == "" && s.URL != "" {
		s.Filename = FilenameFromURL(s.URL)
	}
	return s
}

// Validate checks the invariants between source and the other fields
func (s VirtualMediaState) Validate() error {
	if s.Source == SourceNone {
		if s.Mode != "" || s.Filename != "" || s.URL != "" || s.Path != "" || s.Size != 0 {
			return ErrFieldsWithoutSource
		}
		return nil
	}
	if s.Mode == "" {
		return ErrModeRequired
	}
	return nil
}

// FilenameFromURL returns the last path segment of rawURL, or "" if there is none
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}

// StorageFile describes an image kept in the device's local storage
type StorageFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// StorageFiles is the result of listStorageFiles
type StorageFiles struct {
	Files []StorageFile `json:"files"`
}

// StorageSpace is the result of getStorageSpace
type StorageSpace struct {
	BytesUsed int64 `json:"bytesUsed"`
	BytesFree int64 `json:"bytesFree"`
}

// StorageFileUpload is returned when an upload session is created or resumed
type StorageFileUpload struct {
	AlreadyUploadedBytes int64  `json:"alreadyUploadedBytes"`
	DataChannel          string `json:"dataChannel"`
}
