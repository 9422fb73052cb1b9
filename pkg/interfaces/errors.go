package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrQueueClosed = errors.New("queue closed")
)
