package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
	ErrSlowConsumer     = errors.New("write buffer full")
)

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrConnectionNotFound  = errors.New("connection not registered")
	ErrEmptyRoom           = errors.New("room id cannot be empty")
)
