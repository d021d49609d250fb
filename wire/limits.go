package wire

import "fmt"

// Default maximum frame body (64 KiB). Logical payloads longer than this
// are split into several frames sharing one id.
const DefaultMaxFrame int = 65_536

// Default maximum write (16 KiB) handed to the transport in a single call
const DefaultMaxWrite int = 16_384

// Hard limit on a frame body (16 MiB) - prevents DoS from a hostile length field
const MaxFrameHardLimit int = 16_777_216

// Limits represents per-connection framing limits
type Limits struct {
	MaxFrame int `yaml:"max_frame"`
	MaxWrite int `yaml:"max_write"`
}

// DefaultLimits returns the default protocol limits
func DefaultLimits() Limits {
	return Limits{
		MaxFrame: DefaultMaxFrame,
		MaxWrite: DefaultMaxWrite,
	}
}

// NegotiateLimits returns the minimum of two limit sets
func NegotiateLimits(a, b Limits) Limits {
	return Limits{
		MaxFrame: min(a.MaxFrame, b.MaxFrame),
		MaxWrite: min(a.MaxWrite, b.MaxWrite),
	}
}

// Validate rejects limits the sender could not honor
func (l Limits) Validate() error {
	if l.MaxFrame <= 0 || l.MaxFrame > MaxFrameHardLimit {
		return fmt.Errorf("max_frame %d out of range (1..%d)", l.MaxFrame, MaxFrameHardLimit)
	}
	if l.MaxWrite <= 0 || l.MaxWrite > MaxFrameHardLimit {
		return fmt.Errorf("max_write %d out of range (1..%d)", l.MaxWrite, MaxFrameHardLimit)
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
