package storage

import "errors"

// ErrNoExits is returned when no straddle exit has been recorded
var ErrNoExits = errors.New("no straddle exits recorded")
