package dispatch

import "errors"

// ErrStopped is returned by every operation while the dispatcher loop is not running.
var ErrStopped = errors.New("dispatcher stopped")

// ErrInvalidClass is returned by Enqueue for a class other than VIP or NORMAL.
var ErrInvalidClass = errors.New("invalid order class")
