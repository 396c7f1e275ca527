package relay

const (
	// frameHeadroom fits the largest WebSocket frame header (2 + 8 byte length + 4 byte mask).
	frameHeadroom = 14
	// frameTailroom fits the trailer permessage-deflate strips from each message.
	frameTailroom = 4
)

// FrameBuffer is a reusable outbound buffer with reserved space around its payload region for transport framing.
type FrameBuffer struct {
	buf []byte
}

func NewFrameBuffer(payloadSize int) *FrameBuffer {
	return &FrameBuffer{buf: make([]byte, frameHeadroom+payloadSize+frameTailroom)}
}

// Payload returns the usable region. Its length is the buffer's capacity for one chunk.
func (f *FrameBuffer) Payload() []byte {
	return f.buf[frameHeadroom : len(f.buf)-frameTailroom : len(f.buf)-frameTailroom]
}

// Cap returns the usable payload capacity.
func (f *FrameBuffer) Cap() int { return len(f.buf) - frameHeadroom - frameTailroom }
