package vaultfs

import (
	"errors"
	"fmt"
)

// Common sentinel errors. Everything returned across the adapter boundary
// wraps one of these categories so callers can map errors to their own
// wire format without parsing message text.
var (
	// ErrAuthFailed indicates an authentication tag mismatch on a content
	// chunk, a filename, the masterkey unwrap, or the vault configuration
	// signature. Never retried; never degrades to partial plaintext.
	ErrAuthFailed = errors.New("authentication failed - data may be corrupted or tampered")

	// ErrNotFound indicates a path or inode that does not resolve.
	ErrNotFound = errors.New("entry not found")

	// ErrAlreadyExists indicates a create on an occupied name.
	ErrAlreadyExists = errors.New("entry already exists")

	// ErrInvalidState indicates an operation on a handle or inode that has
	// been closed, unlinked, or recycled.
	ErrInvalidState = errors.New("handle or inode is no longer valid")

	// ErrResourceExhausted indicates the handle table is at capacity.
	ErrResourceExhausted = errors.New("resource limit reached")

	// ErrVaultLocked indicates an operation on a session after Close.
	ErrVaultLocked = errors.New("vault session is closed")

	ErrInvalidKey         = errors.New("invalid encryption key")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrInvalidHeader      = errors.New("invalid file header")
	ErrUnsupportedVersion = errors.New("unsupported vault format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher combo")
	ErrNotADirectory      = errors.New("not a directory")
	ErrNotEmpty           = errors.New("directory not empty")
	ErrNameTooLong        = errors.New("encrypted name exceeds shortening threshold")
)

// AuthenticationError wraps ErrAuthFailed with the location of the failure.
type AuthenticationError struct {
	Path    string // Cleartext path, if known
	Chunk   int64  // Chunk index, or -1 if not chunk-related
	Message string
}

func (e *AuthenticationError) Error() string {
	switch {
	case e.Path != "" && e.Chunk >= 0:
		return fmt.Sprintf("authentication error: %s (chunk %d): %s", e.Path, e.Chunk, e.Message)
	case e.Path != "":
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	default:
		return fmt.Sprintf("authentication error: %s", e.Message)
	}
}

func (e *AuthenticationError) Unwrap() error { return ErrAuthFailed }

// NewAuthenticationError creates an authentication error for a path.
func NewAuthenticationError(path, message string) error {
	return &AuthenticationError{Path: path, Chunk: -1, Message: message}
}

// NewChunkAuthenticationError creates an authentication error for a
// specific content chunk.
func NewChunkAuthenticationError(path string, chunk int64) error {
	return &AuthenticationError{Path: path, Chunk: chunk, Message: "chunk tag mismatch"}
}

// IOError represents a physical storage failure, propagated uninterpreted.
type IOError struct {
	Operation string // "read", "write", "mkdir", "rename", ...
	Path      string // Physical (encrypted) path
	Err       error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("io error: %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError wraps a physical storage error with its operation and path.
func NewIOError(operation, path string, err error) error {
	return &IOError{Operation: operation, Path: path, Err: err}
}

// ValidationError represents a configuration or parameter validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NewValidationError creates a validation error for a named field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Error checking helpers.

// IsAuthenticationError reports whether err is (or wraps) an
// authentication failure.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsNotFound reports whether err indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err indicates an occupied name.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidState reports whether err indicates a dead handle or inode.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsResourceExhausted reports whether err indicates a capacity limit.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsIOError reports whether err is a propagated physical storage error.
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
