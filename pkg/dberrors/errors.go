package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("shardkv: invalid request")
	ErrReadOnly          = errors.New("shardkv: storage is read-only")
	ErrStorageIO         = errors.New("shardkv: storage failure")
	ErrInvalidPartition  = errors.New("shardkv: invalid partition")
	ErrRedirectLoop      = errors.New("shardkv: shard redirection loop detected")
	ErrRemoteUnavailable = errors.New("shardkv: remote node unavailable")
)

// Kind classifies an error for clients. Codes are part of the wire format
// and must not change.
type Kind string

const (
	KindUnknown           Kind = "internal"
	KindValidation        Kind = "validation"
	KindReadOnly          Kind = "read_only"
	KindStorageIO         Kind = "storage_io"
	KindInvalidPartition  Kind = "invalid_partition"
	KindRedirectLoop      Kind = "redirect_loop"
	KindRemoteUnavailable Kind = "remote_unavailable"
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindReadOnly:          ErrReadOnly,
	KindStorageIO:         ErrStorageIO,
	KindInvalidPartition:  ErrInvalidPartition,
	KindRedirectLoop:      ErrRedirectLoop,
	KindRemoteUnavailable: ErrRemoteUnavailable,
}

// Sentinel returns the sentinel error of the kind, nil for KindUnknown.
func (k Kind) Sentinel() error {
	return sentinels[k]
}

// Error carries a kind together with a human-readable message. It is used
// for errors that cross the wire, where the original chain is lost.
type Error struct {
	Kind Kind
	Msg  string
}

// New builds an error of the given kind. An empty msg falls back to the
// sentinel's text.
func New(kind Kind, msg string) *Error {
	if msg == "" {
		if s := kind.Sentinel(); s != nil {
			msg = s.Error()
		} else {
			msg = string(kind)
		}
	}
	return &Error{Kind: kind, Msg: msg}
}

// Newf wraps the kind's sentinel with a formatted detail, so errors.Is keeps working.
func Newf(kind Kind, format string, args ...any) error {
	s := kind.Sentinel()
	if s == nil {
		return fmt.Errorf(format, args...)
	}
	return fmt.Errorf("%w: %s", s, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return e.Msg
}

// Is makes errors.Is(e, ErrXxx) hold for the matching sentinel.
func (e *Error) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && s == target
}

// KindOf reports the kind of err; KindUnknown for nil-kind errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindUnknown
}

// FromCode reconstructs an error decoded from a remote envelope. Unknown
// codes keep the message and map to KindUnknown.
func FromCode(code, msg string) *Error {
	kind := Kind(code)
	if kind.Sentinel() == nil {
		kind = KindUnknown
	}
	return New(kind, msg)
}
