package transport

import (
	"time"

	"github.com/rescoord/rescoord/internal/core/protocol"
)

// Config holds transport tuning
type Config struct {
	// Framing
	MaxContentLength int
	ReadBufferSize   int

	// WriteSlice bounds a single socket write. Hitting it is not an error, the
	// unsent remainder is retried on the next pass of the loop.
	WriteSlice time.Duration

	// SequenceModulus is where per-connection sequence numbers wrap
	SequenceModulus uint32

	// Dialing
	DialRetries int
	DialTimeout time.Duration
	DialBackoff time.Duration

	// ShutdownFlush bounds the final write of queued output on shutdown
	ShutdownFlush time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxContentLength: protocol.DefaultMaxContentLength,
		ReadBufferSize:   4096,
		WriteSlice:       10 * time.Millisecond,
		SequenceModulus:  1 << 31,
		DialRetries:      3,
		DialTimeout:      10 * time.Second,
		DialBackoff:      time.Second,
		ShutdownFlush:    200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = def.MaxContentLength
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.WriteSlice <= 0 {
		c.WriteSlice = def.WriteSlice
	}
	if c.SequenceModulus == 0 {
		c.SequenceModulus = def.SequenceModulus
	}
	if c.DialRetries <= 0 {
		c.DialRetries = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.DialBackoff < 0 {
		c.DialBackoff = 0
	}
	if c.ShutdownFlush <= 0 {
		c.ShutdownFlush = def.ShutdownFlush
	}
	return c
}
