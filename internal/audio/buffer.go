package audio

// Buffer is a handle over one slot while the session owns it. Releasing
// moves the slot out of the handle: afterwards Bytes returns nil and a
// second release fails with ErrBufferReleased.
type Buffer struct {
	slot      Slot
	frameSize int
	released  bool
}

func newBuffer(slot Slot, frameSize int) *Buffer {
	return &Buffer{slot: slot, frameSize: frameSize}
}

// Bytes returns the valid region for the handed-over frames, or nil once released
func (b *Buffer) Bytes() []byte {
	if b == nil || b.released {
		return nil
	}
	return b.slot.Data[:b.slot.Frames*b.frameSize]
}

// Frames returns the frame count the backend handed over
func (b *Buffer) Frames() int {
	if b == nil || b.released {
		return 0
	}
	return b.slot.Frames
}

// Released reports whether ownership went back to the backend
func (b *Buffer) Released() bool {
	return b == nil || b.released
}

// chunk describes the first frames of the buffer as valid data
func (b *Buffer) chunk(frames int) Chunk {
	return Chunk{Offset: 0, Stride: b.frameSize, Size: frames * b.frameSize}
}

// take moves the slot out of the handle and invalidates it
func (b *Buffer) take() (Slot, error) {
	if b == nil || b.released {
		return Slot{}, ErrBufferReleased
	}
	slot := b.slot
	b.slot = Slot{}
	b.released = true
	return slot, nil
}
