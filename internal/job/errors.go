package job

import "errors"

var (
	ErrUserUnknown       = errors.New("job: user unknown")
	ErrInsufficientFunds = errors.New("job: insufficient funds")
	ErrPayloadTooLarge   = errors.New("job: input exceeds 10 MiB")
	ErrJobNotFound       = errors.New("job: not found")
)

// maxInputBytes bounds job.Input per spec: reject anything over 10 MiB
// before it ever reaches a transaction or the wire.
const maxInputBytes = 10 * 1024 * 1024
