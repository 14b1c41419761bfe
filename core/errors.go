package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by HandleError when the container does not exist.
	ErrNotFound = errors.New("container not found")
	// ErrPermission is wrapped by HandleError when the container cannot be read.
	ErrPermission = errors.New("permission denied")
	// ErrFormat reports a container that is not in the expected format or
	// whose method differs from the one declared when it was opened.
	ErrFormat = errors.New("invalid container format")
	// ErrUnsupportedMethod reports an unknown compression method.
	ErrUnsupportedMethod = errors.New("unsupported compression method")
	// ErrInvalidURI reports a source URI that is neither a plain path nor file://.
	ErrInvalidURI = errors.New("invalid source uri")
	// ErrChecksum reports a chunk whose decoded bytes do not match the stored checksum.
	ErrChecksum = errors.New("chunk checksum mismatch")

	ErrTransfer          = errors.New("transfer failed")
	ErrCancelled         = errors.New("cancelled")
	ErrBatchCommitted    = errors.New("batch already committed")
	ErrContextFlushed    = errors.New("compression context already flushed")
	ErrResourceReleased  = errors.New("resource released")
	ErrOutOfBounds       = errors.New("region out of bounds")
	ErrDeviceClosed      = errors.New("device closed")
	ErrQueueClosed       = errors.New("queue closed")
	ErrNilArgument       = errors.New("nil argument")
	ErrDeviceMismatch    = errors.New("resource belongs to a different device")
	ErrUnsupportedFormat = errors.New("unsupported texture format")
)

// PathError reports a destination or source path that cannot be opened or created.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// ConfigError is returned for invalid parameters before any I/O happens.
type ConfigError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// HandleError reports a failure to bind a source container.
type HandleError struct {
	URI string
	Err error
}

func (e *HandleError) Error() string {
	return fmt.Sprintf("source handle %s: %v", e.URI, e.Err)
}

func (e *HandleError) Unwrap() error { return e.Err }

// TransferError is an engine-side failure of a single load. Callers only
// ever observe it as the terminal error of a batch.
type TransferError struct {
	Op       string
	Resource string
	Err      error
}

func (e *TransferError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("transfer %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transfer %s into %s: %v", e.Op, e.Resource, e.Err)
}

func (e *TransferError) Unwrap() []error { return []error{ErrTransfer, e.Err} }

// IsPathError checks if an error is a PathError.
func IsPathError(err error) bool {
	var pathError *PathError
	return errors.As(err, &pathError)
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var configError *ConfigError
	// Use errors.As to check if the error (or any error in its chain) is a ConfigError.
	return errors.As(err, &configError)
}

func IsHandleError(err error) bool {
	var handleError *HandleError
	return errors.As(err, &handleError)
}

func IsTransferError(err error) bool {
	var transferError *TransferError
	return errors.As(err, &transferError)
}
