package mount

import (
	"errors"
	"fmt"

	"kvmmount/pkg/types"
)

// State is the local step of the mount flow
type State int

const (
	StateSelectSource State = iota
	StateBrowser
	StateURL
	StateDeviceStorage
	StateUploading
	StateMounted
	StateError
)

func (s State) String() string {
	switch s {
	case StateSelectSource:
		return "select-source"
	case StateBrowser:
		return "browser"
	case StateURL:
		return "url"
	case StateDeviceStorage:
		return "device-storage"
	case StateUploading:
		return "uploading"
	case StateMounted:
		return "mounted"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrBrowserMountDisabled = errors.New("mounting from the local machine is disabled")
	ErrBusy                 = errors.New("another operation is in progress")
)

// TransitionError names the operation and the state that rejected it
type TransitionError struct {
	Op    string
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Snapshot is what observers see after every change
type Snapshot struct {
	State    State
	Remote   types.VirtualMediaState
	Err      error
	Progress *types.TransferProgress
}
