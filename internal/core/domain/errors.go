package domain

import "errors"

var (
	ErrIdentityUnresolved = errors.New("client identity could not be resolved")
	ErrStoreUnavailable   = errors.New("rate limit store unavailable")
	ErrStoreTimeout       = errors.New("rate limit store timed out")
	ErrInvalidPolicy      = errors.New("invalid rate limit policy")
)

func IsIdentityError(err error) bool {
	return errors.Is(err, ErrIdentityUnresolved)
}

// IsStoreError reports whether err came from the counter backend, either
// because it was down or because it did not answer in time.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrStoreTimeout)
}

func IsStoreTimeout(err error) bool {
	return errors.Is(err, ErrStoreTimeout)
}
