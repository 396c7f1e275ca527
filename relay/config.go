package relay

import "time"

const (
	// DefaultTickInterval is the broadcast period of the driver.
	DefaultTickInterval = 50 * time.Millisecond

	// DefaultChunkSize is the payload size of one outbound message.
	DefaultChunkSize = 1024

	// DefaultMaxDrainChunks bounds the messages one session may send per tick.
	DefaultMaxDrainChunks = 64

	// DefaultInboundQueueBytes bounds the bytes waiting to be written to a child's stdin.
	// It matches the default Linux pipe capacity.
	DefaultInboundQueueBytes = 64 * 1024

	// DefaultCloseTestTicks is the session lifetime, in ticks, in close-test mode.
	DefaultCloseTestTicks = 50
)

// Config tunes a Session. Zero fields take their defaults.
type Config struct {
	ChunkSize         int
	MaxDrainChunks    int
	InboundQueueBytes int
	// CloseAfterTicks closes the session after this many drain ticks. Zero disables it.
	CloseAfterTicks int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxDrainChunks <= 0 {
		c.MaxDrainChunks = DefaultMaxDrainChunks
	}
	if c.InboundQueueBytes <= 0 {
		c.InboundQueueBytes = DefaultInboundQueueBytes
	}
	return c
}
