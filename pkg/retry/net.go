package retry

import (
	"errors"
	"net"
	"syscall"
)

// Accept errors that clear up on their own: the peer gave up during the
// handshake, or the process ran out of file descriptors for a moment.
var temporaryErrnos = []error{
	syscall.ECONNABORTED,
	syscall.ECONNRESET,
	syscall.EMFILE,
	syscall.ENFILE,
	syscall.ENOBUFS,
	syscall.ENOMEM,
}

// IsTemporaryNetError reports whether an accept error is worth retrying.
// A closed listener never is.
func IsTemporaryNetError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return false
	}

	for _, errno := range temporaryErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
