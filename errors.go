package sftpx

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoHostKeys is returned when a known_hosts source yields zero entries.
	ErrNoHostKeys = errors.New("no host keys found")

	// ErrHostNotVerified is returned by Authenticate when a host-key store is
	// configured and VerifyHostIdentity has not succeeded.
	ErrHostNotVerified = errors.New("host identity has not been verified")

	// ErrSessionClosed is returned for any operation on a closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// ConnectionError reports that the remote endpoint could not be reached or
// the secure transport could not be negotiated.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to connect to %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnknownHostError reports a host with no entry in the host-key store.
type UnknownHostError struct {
	Host string
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("no host key found for %s", e.Host)
}

// HostKeyMismatchError reports that the key presented by the server does not
// match the stored key. Expected and Presented are SHA256 fingerprints.
type HostKeyMismatchError struct {
	Host      string
	Expected  string
	Presented string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: expected %s, presented %s",
		e.Host, e.Expected, e.Presented)
}

// CredentialError covers missing, unreadable, mistyped or locked credentials.
type CredentialError struct {
	Msg string
	Err error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *CredentialError) Unwrap() error { return e.Err }

// PathConflictError reports that a non-directory occupies a path where a
// directory is required.
type PathConflictError struct {
	Path string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("a file with the same name as the remote directory [%s] already exists", e.Path)
}

// LocalFileMissingError reports that the local source of an upload does not exist.
type LocalFileMissingError struct {
	Path string
	Err  error
}

func (e *LocalFileMissingError) Error() string {
	return fmt.Sprintf("local file [%s] does not exist", e.Path)
}

func (e *LocalFileMissingError) Unwrap() error { return e.Err }

// IOFailureError wraps a failed remote filesystem operation.
type IOFailureError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailureError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailureError) Unwrap() error { return e.Err }

// SizeMismatchError is returned when the size reported by the server after an
// upload differs from the number of bytes the upload accounted for.
type SizeMismatchError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch in put! %d != %d for [%s]", e.Actual, e.Expected, e.Path)
}

// StateError is returned when a session operation is called in a state that
// does not permit it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: invalid session state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	if e.State == StateClosed {
		return ErrSessionClosed
	}
	return nil
}
