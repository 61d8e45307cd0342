package tenement

import (
	"errors"
	"fmt"
)

// Kind classifies a HyperError so callers and HTTP handlers can map it to a
// status code without string-matching the message.
type Kind string

const (
	KindConfigInvalid Kind = "config_invalid"
	KindUnsupported   Kind = "unsupported"
	KindResource      Kind = "resource"
	KindSpawn         Kind = "spawn"
	KindSupervision   Kind = "supervision"
	KindProxy         Kind = "proxy"
	KindAuth          Kind = "auth"
	KindStore         Kind = "store"
	KindNotFound      Kind = "not_found"
)

// HyperError wraps an underlying error with a Kind and the operation name
// that produced it, in the style of the original's anyhow::Context call
// sites: every public operation names itself in the wrapped message.
type HyperError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *HyperError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *HyperError) Unwrap() error { return e.Err }

func wrapErr(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &HyperError{Kind: kind, Op: op, Err: err}
}

// ErrKind extracts the Kind from err if it (or something it wraps) is a
// *HyperError, returning ok=false otherwise.
func ErrKind(err error) (Kind, bool) {
	var he *HyperError
	if errors.As(err, &he) {
		return he.Kind, true
	}
	return "", false
}

var (
	ErrNotFound         = errors.New("instance not found")
	ErrNoPortsAvailable = errors.New("no free ports available")
	ErrFailedTerminal   = errors.New("instance is in terminal failed state")
	ErrSpawnTimeout     = errors.New("timed out waiting for endpoint to become ready")
	ErrUnsupportedRT    = errors.New("runtime backend not available on this host")
)
