package txbuffer

import "errors"

var (
	ErrPoolExhausted        = errors.New("insufficient buffers in the pool")
	ErrInsufficientCapacity = errors.New("insufficient codeblock capacity")
	ErrAlreadyReserved      = errors.New("buffer already reserved by another identifier")
	ErrNotReserved          = errors.New("buffer is not reserved")
	ErrIndexOutOfRange      = errors.New("buffer index out of range")
	ErrInvalidConfig        = errors.New("invalid tx buffer pool configuration")
)

// Status is the outcome of binding a single buffer.
type Status uint8

const (
	StatusSuccessful Status = iota
	StatusAlreadyReserved
	StatusInsufficientCapacity
)

func (s Status) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusAlreadyReserved:
		return "already-reserved-elsewhere"
	case StatusInsufficientCapacity:
		return "insufficient-capacity"
	default:
		return "unknown"
	}
}

// Err maps a failed status to its sentinel error, nil on success.
func (s Status) Err() error {
	switch s {
	case StatusSuccessful:
		return nil
	case StatusAlreadyReserved:
		return ErrAlreadyReserved
	case StatusInsufficientCapacity:
		return ErrInsufficientCapacity
	default:
		return errors.New("unknown status")
	}
}
