package model

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is returned for failures of the underlying file system or blob store.
	ErrIO = errors.New("io error")
	// ErrSerialization is returned when a value cannot be encoded or decoded.
	ErrSerialization = errors.New("serialization error")
	// ErrCompression is returned when compressing or decompressing fails.
	ErrCompression = errors.New("compression error")
	// ErrCorruptedData is returned for malformed varints, out-of-bounds offsets,
	// checksum and count mismatches.
	ErrCorruptedData = errors.New("corrupted data")
	// ErrValidationFailed is returned when a configuration or option set is rejected.
	ErrValidationFailed = errors.New("validation failed")
	// ErrUnsupportedFeature is returned for formats or features this build does not handle.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// Kind classifies an Error.
type Kind uint8

const (
	KindIO Kind = iota + 1
	KindSerialization
	KindCompression
	KindCorruptedData
	KindValidation
	KindUnsupported
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindSerialization:
		return "serialization"
	case KindCompression:
		return "compression"
	case KindCorruptedData:
		return "corrupted_data"
	case KindValidation:
		return "validation"
	case KindUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindIO:
		return ErrIO
	case KindSerialization:
		return ErrSerialization
	case KindCompression:
		return ErrCompression
	case KindCorruptedData:
		return ErrCorruptedData
	case KindValidation:
		return ErrValidationFailed
	case KindUnsupported:
		return ErrUnsupportedFeature
	default:
		return nil
	}
}

// Error is a classified failure of operation Op.
//
// errors.Is matches both the kind's sentinel and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.sentinel()
	msg := e.Op
	if s != nil {
		msg += ": " + s.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IOError wraps err as an I/O failure of op. A nil err yields nil.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// SerializationError wraps err as an encode/decode failure of op. A nil err yields nil.
func SerializationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindSerialization, Op: op, Err: err}
}

// CompressionError wraps err as a compression failure of op. A nil err yields nil.
func CompressionError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindCompression, Op: op, Err: err}
}

// Corruptedf reports malformed data found by op.
func Corruptedf(op, format string, args ...any) error {
	return &Error{Kind: KindCorruptedData, Op: op, Err: fmt.Errorf(format, args...)}
}

// Unsupportedf reports a feature op cannot handle.
func Unsupportedf(op, format string, args ...any) error {
	return &Error{Kind: KindUnsupported, Op: op, Err: fmt.Errorf(format, args...)}
}

// ValidationError reports a rejected configuration or option value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Invalid returns a *ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first classified error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrValidationFailed) {
		return KindValidation
	}
	return 0
}
