package client

import "errors"

var (
	// ErrTimeout is wrapped into the error a call returns when its
	// deadline expires with no reply.
	ErrTimeout = errors.New("client: request timed out")

	// ErrUnreachable is wrapped into the error a call returns when path
	// discovery exhausts its retries.
	ErrUnreachable = errors.New("client: destination unreachable")

	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("client: closed")
)
