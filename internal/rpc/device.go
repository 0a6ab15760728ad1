package rpc

import (
	"context"

	"kvmmount/pkg/types"
)

// Control-plane method names
const (
	MethodGetVirtualMediaState   = "getVirtualMediaState"
	MethodMountWithHTTP          = "mountWithHTTP"
	MethodMountWithStorage       = "mountWithStorage"
	MethodMountWithWebRTC        = "mountWithWebRTC"
	MethodStartStorageFileUpload = "startStorageFileUpload"
	MethodUnmountImage           = "unmountImage"
	MethodListStorageFiles       = "listStorageFiles"
	MethodDeleteStorageFile      = "deleteStorageFile"
	MethodGetStorageSpace        = "getStorageSpace"
)

// Caller performs a single control-plane call
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
}

// Device is a typed facade over the virtual media control plane
type Device struct {
	c Caller
}

// NewDevice wraps a caller
func NewDevice(c Caller) *Device {
	return &Device{c: c}
}

type MountHTTPParams struct {
	URL  string          `json:"url"`
	Mode types.MediaMode `json:"mode"`
}

type MountStorageParams struct {
	Filename string          `json:"filename"`
	Mode     types.MediaMode `json:"mode"`
}

type MountWebRTCParams struct {
	Filename string          `json:"filename"`
	Size     int64           `json:"size"`
	Mode     types.MediaMode `json:"mode"`
}

type StartUploadParams struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type FilenameParams struct {
	Filename string `json:"filename"`
}

// GetVirtualMediaState returns what is mounted; a zero state means nothing
func (d *Device) GetVirtualMediaState(ctx context.Context) (types.VirtualMediaState, error) {
	var state *types.VirtualMediaState
	if err := d.c.Call(ctx, MethodGetVirtualMediaState, nil, &state); err != nil {
		return types.VirtualMediaState{}, err
	}
	if state == nil {
		return types.VirtualMediaState{}, nil
	}
	return state.Normalize(), nil
}

func (d *Device) MountWithHTTP(ctx context.Context, url string, mode types.MediaMode) error {
	return d.c.Call(ctx, MethodMountWithHTTP, MountHTTPParams{URL: url, Mode: mode}, nil)
}

func (d *Device) MountWithStorage(ctx context.Context, filename string, mode types.MediaMode) error {
	return d.c.Call(ctx, MethodMountWithStorage, MountStorageParams{Filename: filename, Mode: mode}, nil)
}

func (d *Device) MountWithWebRTC(ctx context.Context, filename string, size int64, mode types.MediaMode) error {
	return d.c.Call(ctx, MethodMountWithWebRTC, MountWebRTCParams{Filename: filename, Size: size, Mode: mode}, nil)
}

// StartStorageFileUpload opens a new upload session or resumes one for the same filename
func (d *Device) StartStorageFileUpload(ctx context.Context, filename string, size int64) (types.StorageFileUpload, error) {
	var out types.StorageFileUpload
	err := d.c.Call(ctx, MethodStartStorageFileUpload, StartUploadParams{Filename: filename, Size: size}, &out)
	return out, err
}

func (d *Device) UnmountImage(ctx context.Context) error {
	return d.c.Call(ctx, MethodUnmountImage, nil, nil)
}

func (d *Device) ListStorageFiles(ctx context.Context) ([]types.StorageFile, error) {
	var out types.StorageFiles
	if err := d.c.Call(ctx, MethodListStorageFiles, nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

func (d *Device) DeleteStorageFile(ctx context.Context, filename string) error {
	return d.c.Call(ctx, MethodDeleteStorageFile, FilenameParams{Filename: filename}, nil)
}

func (d *Device) GetStorageSpace(ctx context.Context) (types.StorageSpace, error) {
	var out types.StorageSpace
	err := d.c.Call(ctx, MethodGetStorageSpace, nil, &out)
	return out, err
}
