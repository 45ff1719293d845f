package txbuffer

import (
	"fmt"

	"gnb-go/pkg/slot"
)

// MaxExpireTimeoutSlots is the longest expiry that stays ordered under
// wrap-aware slot comparison at every numerology.
const MaxExpireTimeoutSlots = slot.MinWindow/2 - 1

// Config is fixed for the lifetime of a pool.
type Config struct {
	NofBuffers         int `mapstructure:"nof_buffers" toml:"nof_buffers" json:"nof_buffers"`
	MaxCodeblocks      int `mapstructure:"max_codeblocks" toml:"max_codeblocks" json:"max_codeblocks"`
	CodeblockSize      int `mapstructure:"codeblock_size" toml:"codeblock_size" json:"codeblock_size"` // bytes of storage per codeblock
	ExpireTimeoutSlots int `mapstructure:"expire_timeout_slots" toml:"expire_timeout_slots" json:"expire_timeout_slots"`
}

// DefaultConfig sizes codeblocks for an LDPC base graph 1 codeword
// (66 * 384 bits) packed one bit per bit.
func DefaultConfig() Config {
	return Config{
		NofBuffers:         128,
		MaxCodeblocks:      32,
		CodeblockSize:      66 * 384 / 8,
		ExpireTimeoutSlots: 100,
	}
}

func (c Config) Validate() error {
	switch {
	case c.NofBuffers <= 0:
		return fmt.Errorf("%w: nof_buffers must be positive, got %d", ErrInvalidConfig, c.NofBuffers)
	case c.MaxCodeblocks <= 0:
		return fmt.Errorf("%w: max_codeblocks must be positive, got %d", ErrInvalidConfig, c.MaxCodeblocks)
	case c.CodeblockSize <= 0:
		return fmt.Errorf("%w: codeblock_size must be positive, got %d", ErrInvalidConfig, c.CodeblockSize)
	case c.ExpireTimeoutSlots <= 0 || c.ExpireTimeoutSlots > MaxExpireTimeoutSlots:
		return fmt.Errorf("%w: expire_timeout_slots must be in [1, %d], got %d",
			ErrInvalidConfig, MaxExpireTimeoutSlots, c.ExpireTimeoutSlots)
	}
	return nil
}
