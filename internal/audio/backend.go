package audio

import "time"

// DeviceInfo describes an endpoint a backend can open
type DeviceInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Capture     bool   `json:"capture"`
	Playback    bool   `json:"playback"`
}

// Backend defines the interface for native audio subsystem implementations
type Backend interface {
	// Name of the backend, as used in configuration
	Name() string

	// List endpoints the backend can currently open
	Devices() ([]DeviceInfo, error)

	// Open requests access to an endpoint. Fails with ErrDeviceUnavailable
	// when the id is unknown or already held exclusively.
	Open(id string, dir Direction) (Stream, error)
}

// Stream is an opened endpoint. Concrete streams also implement either
// PullStream or PushStream.
type Stream interface {
	// Negotiate commits to interleaved access with the requested format.
	// The returned config holds the values the backend actually accepted.
	Negotiate(req StreamConfig) (StreamConfig, error)

	// Prepare makes the stream ready to exchange buffers
	Prepare() error

	// Drain blocks until queued playback data has been rendered
	Drain() error

	// Close releases backend resources
	Close() error
}

// Slot is one backend buffer checked out to the session
type Slot struct {
	Data   []byte
	Frames int
	// Token lets a backend find its own bookkeeping on release
	Token any
}

// Chunk is the metadata attached to a buffer when it goes back to the backend
type Chunk struct {
	Offset int
	Stride int
	Size   int
}

// PullStream is driven by the session: it acquires and releases slots on
// the caller's goroutine
type PullStream interface {
	Stream

	// Acquire blocks until a slot is ready or timeout elapses. Capture
	// slots come back filled; playback slots come back empty.
	Acquire(timeout time.Duration) (Slot, error)

	// Release hands the slot back with its valid region described by chunk
	Release(slot Slot, chunk Chunk) error
}

// Processor is invoked by push backends once per period from their own goroutine
type Processor interface {
	Process(data []byte, frames int) (int, error)
}

// PushStream is driven by the backend, which calls the Processor whenever
// it needs or has a period
type PushStream interface {
	Stream

	// Start begins invoking p from the backend's goroutine
	Start(p Processor) error

	// Done is closed once the backend stops invoking the processor
	Done() <-chan struct{}

	// Err returns the error that stopped the backend, if any
	Err() error
}
