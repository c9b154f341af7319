package ipc

import "restune/internal/tuning"

// RemoteError is a refusal reported by the daemon. It matches the tuning
// error sentinel named by Kind with errors.Is.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	sentinel, ok := tuning.KindByName(e.Kind)
	if !ok {
		return nil
	}
	return sentinel
}

// ErrorKind returns the snake_case classification reported by the daemon.
func (e *RemoteError) ErrorKind() string {
	return e.Kind
}
