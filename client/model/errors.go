package model

import "errors"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrTransport       = errors.New("transport error")
	ErrNotConnected    = errors.New("not connected")
	ErrDecode          = errors.New("malformed frame")
	ErrNotJoined       = errors.New("room is not joined")
)
