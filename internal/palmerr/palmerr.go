// Package palmerr defines the error kinds and status codes shared by the
// palm pipeline, the credential store and the outer surfaces.
package palmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Each kind maps to a numeric pipeline status and
// an SDK domain code.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindInvalidHandle
	KindInvalidArgument
	KindOutOfMemory
	KindUnexpectedRequest
	KindInvalidLicense
	KindInvalidModel
	KindServerConnection
	KindSerialization
	KindCancelled
	KindMissingDataForPalmMatch
	KindIncorrectInputData
	KindCameraNotAuthorized
	KindCameraConfigFailed
	KindCameraSessionFailed
	KindCryptoSecureAPI
	KindCryptoKeychain
	KindCryptoInvalidInput
	KindUserAlreadyExists
	KindDiskOperationFailed
	KindInsufficientPalmPresence
	KindNotFound
)

// Status mirrors the numeric status returned by the low level palm calls.
type Status uint32

const (
	StatusSuccess               Status = 0
	StatusTimeout               Status = 1
	StatusUnknownError          Status = 0x8000
	StatusInvalidHandle         Status = 0x8001
	StatusInvalidArgument       Status = 0x8002
	StatusOutOfMemory           Status = 0x8003
	StatusUnexpectedRequest     Status = 0x8004
	StatusInvalidLicense        Status = 0x8005
	StatusInvalidModel          Status = 0x8006
	StatusServerConnectionError Status = 0x8007
	StatusSerializationError    Status = 0x8008
)

// Category is the error taxonomy used to decide how a failure is surfaced.
type Category int

const (
	// CategoryInput covers caller bugs: surfaced immediately, never retried.
	CategoryInput Category = iota
	// CategoryEnvironment covers license, server and camera failures.
	CategoryEnvironment
	// CategorySecurity covers secure storage and crypto failures.
	CategorySecurity
	// CategoryBackground covers failures outside a specific call's scope.
	CategoryBackground
	// CategoryOutcome covers normal pipeline outcomes that are not errors.
	CategoryOutcome
)

var kindNames = map[Kind]string{
	KindUnknown:                  "unknown",
	KindTimeout:                  "timeout",
	KindInvalidHandle:            "invalid handle",
	KindInvalidArgument:          "invalid argument",
	KindOutOfMemory:              "out of memory",
	KindUnexpectedRequest:        "unexpected request",
	KindInvalidLicense:           "invalid license",
	KindInvalidModel:             "invalid model",
	KindServerConnection:         "server connection error",
	KindSerialization:            "serialization error",
	KindCancelled:                "cancelled",
	KindMissingDataForPalmMatch:  "missing data for palm match",
	KindIncorrectInputData:       "incorrect input data",
	KindCameraNotAuthorized:      "camera not authorized",
	KindCameraConfigFailed:       "camera config failed",
	KindCameraSessionFailed:      "camera session failed",
	KindCryptoSecureAPI:          "secure api error",
	KindCryptoKeychain:           "keychain error",
	KindCryptoInvalidInput:       "invalid crypto input",
	KindUserAlreadyExists:        "user already exists",
	KindDiskOperationFailed:      "disk operation failed",
	KindInsufficientPalmPresence: "insufficient palm presence",
	KindNotFound:                 "not found",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status returns the pipeline status code for the kind. Kinds that only exist
// in the SDK domain collapse onto the closest status.
func (k Kind) Status() Status {
	switch k {
	case KindTimeout:
		return StatusTimeout
	case KindInvalidHandle:
		return StatusInvalidHandle
	case KindInvalidArgument, KindIncorrectInputData, KindCryptoInvalidInput:
		return StatusInvalidArgument
	case KindOutOfMemory:
		return StatusOutOfMemory
	case KindUnexpectedRequest, KindUserAlreadyExists:
		return StatusUnexpectedRequest
	case KindInvalidLicense:
		return StatusInvalidLicense
	case KindInvalidModel, KindMissingDataForPalmMatch, KindNotFound:
		return StatusInvalidModel
	case KindServerConnection:
		return StatusServerConnectionError
	case KindSerialization:
		return StatusSerializationError
	default:
		return StatusUnknownError
	}
}

// Code returns the SDK error domain code for the kind.
func (k Kind) Code() int {
	switch k {
	case KindCancelled:
		return -999
	case KindInvalidLicense:
		return -1000
	case KindServerConnection:
		return -1001
	case KindMissingDataForPalmMatch:
		return -2000
	case KindIncorrectInputData, KindInvalidModel, KindSerialization:
		return -2001
	case KindInvalidArgument, KindInvalidHandle, KindUnexpectedRequest, KindOutOfMemory, KindTimeout, KindInsufficientPalmPresence:
		return -3000
	case KindCameraNotAuthorized:
		return -4000
	case KindCameraConfigFailed:
		return -4001
	case KindCameraSessionFailed:
		return -4003
	case KindCryptoSecureAPI:
		return -5000
	case KindCryptoKeychain:
		return -5001
	case KindCryptoInvalidInput:
		return -5002
	case KindUserAlreadyExists:
		return -6000
	case KindDiskOperationFailed:
		return -7000
	default:
		return -1
	}
}

// Category reports how a failure of this kind should be surfaced.
func (k Kind) Category() Category {
	switch k {
	case KindInvalidArgument, KindInvalidHandle, KindUnexpectedRequest, KindIncorrectInputData,
		KindUserAlreadyExists, KindNotFound, KindInvalidModel, KindSerialization:
		return CategoryInput
	case KindInvalidLicense, KindServerConnection, KindTimeout, KindCameraNotAuthorized,
		KindCameraConfigFailed, KindCameraSessionFailed, KindOutOfMemory:
		return CategoryEnvironment
	case KindCryptoSecureAPI, KindCryptoKeychain, KindCryptoInvalidInput:
		return CategorySecurity
	case KindDiskOperationFailed, KindUnknown:
		return CategoryBackground
	default:
		return CategoryOutcome
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrInvalidArgument)
// holds for every invalid-argument failure regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	ErrTimeout                  = New(KindTimeout, "")
	ErrInvalidHandle            = New(KindInvalidHandle, "")
	ErrInvalidArgument          = New(KindInvalidArgument, "")
	ErrOutOfMemory              = New(KindOutOfMemory, "")
	ErrUnexpectedRequest        = New(KindUnexpectedRequest, "")
	ErrInvalidLicense           = New(KindInvalidLicense, "")
	ErrInvalidModel             = New(KindInvalidModel, "")
	ErrServerConnection         = New(KindServerConnection, "")
	ErrSerialization            = New(KindSerialization, "")
	ErrCancelled                = New(KindCancelled, "")
	ErrMissingDataForPalmMatch  = New(KindMissingDataForPalmMatch, "")
	ErrCryptoSecureAPI          = New(KindCryptoSecureAPI, "")
	ErrCryptoInvalidInput       = New(KindCryptoInvalidInput, "")
	ErrUserAlreadyExists        = New(KindUserAlreadyExists, "")
	ErrDiskOperationFailed      = New(KindDiskOperationFailed, "")
	ErrInsufficientPalmPresence = New(KindInsufficientPalmPresence, "")
	ErrNotFound                 = New(KindNotFound, "")
)
