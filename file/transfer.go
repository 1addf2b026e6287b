package file

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrFileNameTooLong indicates that a file name exceeds the maximum allowed length.
var ErrFileNameTooLong = errors.New("file name too long")

// ErrFileTooLarge indicates a file above MaxFileSize.
var ErrFileTooLarge = errors.New("file exceeds maximum transfer size")

// ErrUnknownTransfer is returned for transfer ids the manager never saw.
var ErrUnknownTransfer = errors.New("unknown transfer")

// MaxFileNameLength is the maximum allowed file name length in bytes.
const MaxFileNameLength = 255

// MaxFileSize is the largest payload the engine accepts.
const MaxFileSize = 250 * 1024

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferDirectionIncoming represents a file being received.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing represents a file being sent.
	TransferDirectionOutgoing
)

func (d TransferDirection) String() string {
	if d == TransferDirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// TransferState represents the current state of a file transfer.
type TransferState uint8

const (
	TransferStatePending TransferState = iota
	TransferStateRunning
	TransferStateCompleted
	TransferStateError
)

func (s TransferState) terminal() bool {
	return s == TransferStateCompleted || s == TransferStateError
}

// File is a file to upload.
type File struct {
	Name     string
	Type     string
	Preview  []byte
	Contents []byte
}

// Transfer describes one transfer.
type Transfer struct {
	TransferID []byte
	ContactID  []byte
	FileName   string
	FileType   string
	Size       int
	Preview    []byte
	IsIncoming bool
}

// Progress is one progress update. Transferred counts bytes sent for
// uploads and bytes received for downloads; Arrived is only set for uploads.
type Progress struct {
	TransferID  []byte
	Completed   bool
	Transferred int
	Arrived     int
	Total       int
	Err         error
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)
	if strings.Contains(cleanedPath, "..") {
		return "", ErrDirectoryTraversal
	}
	return cleanedPath, nil
}

// Load reads a File from disk.
func Load(path, fileType string) (File, error) {
	safePath, err := ValidatePath(path)
	if err != nil {
		return File{}, err
	}
	name := filepath.Base(safePath)
	if len(name) > MaxFileNameLength {
		return File{}, ErrFileNameTooLong
	}
	info, err := os.Stat(safePath)
	if err != nil {
		return File{}, err
	}
	if info.Size() > MaxFileSize {
		return File{}, ErrFileTooLarge
	}
	contents, err := os.ReadFile(safePath)
	if err != nil {
		return File{}, err
	}
	return File{Name: name, Type: fileType, Contents: contents}, nil
}

// progressGate forwards progress until the first terminal update.
type progressGate struct {
	mu    sync.Mutex
	state TransferState
	sink  func(Progress)
}

func newProgressGate(sink func(Progress)) *progressGate {
	if sink == nil {
		sink = func(Progress) {}
	}
	return &progressGate{state: TransferStatePending, sink: sink}
}

// forward reports whether p was delivered and whether it was the terminal
// update.
func (g *progressGate) forward(p Progress) (delivered, terminal bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.terminal() {
		return false, false
	}
	switch {
	case p.Err != nil:
		g.state = TransferStateError
	case p.Completed:
		g.state = TransferStateCompleted
	default:
		g.state = TransferStateRunning
	}
	g.sink(p)
	return true, g.state.terminal()
}

