package app

import "errors"

// Every coordinator error is local and recoverable; adapters report them
// back as call:error and carry on.
var (
	ErrTargetNotOnline = errors.New("target user is not online")
	ErrCallNotFound    = errors.New("call not found")
	ErrUnauthorized    = errors.New("not authorized for this call")
	ErrNotJoined       = errors.New("connection has not joined")
)
