package errors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Error codes
const (
	// Root CA is missing and generation was declined, or generation failed
	ErrBootstrap = 10
	// Store could not be initialized
	ErrStoreInit = 11
	// CSR could not be produced
	ErrCSR = 20
	// CA refused to sign a request
	ErrSigning = 21
	// Ledger or serial counter could not be updated
	ErrLedger = 22
	// Secure delivery of a signed pair failed
	ErrTransfer = 30
	// File-mode or ownership invariant could not be enforced
	ErrPermission = 40
	// Unknown error
	ErrUnknown = 0
	// Requested resource was not found
	ErrNotFound = 44
	// Inspection server rejected the credentials
	ErrAuthentication = 50
	// Inspection server could not read the store
	ErrStoreRead = 51
)

// Kind classifies an engine error
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	KindBootstrap
	KindSigning
	KindTransfer
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindBootstrap:
		return "FatalBootstrapError"
	case KindSigning:
		return "FatalSigningError"
	case KindTransfer:
		return "TransferError"
	case KindPermission:
		return "PermissionError"
	default:
		return "UnknownError"
	}
}

// ServerErr contains error message with corresponding CA error code
type ServerErr struct {
	code int
	msg  string
	kind Kind
}

// NewServerError constructs a server error
func NewServerError(code int, format string, args ...interface{}) *ServerErr {
	msg := fmt.Sprintf(format, args...)
	return &ServerErr{
		code: code,
		msg:  msg,
		kind: kindForCode(code),
	}
}

func (se *ServerErr) Error() string {
	return se.String()
}

func (se *ServerErr) String() string {
	return fmt.Sprintf("Code: %d - %s", se.code, se.msg)
}

// Code returns the error code
func (se *ServerErr) Code() int {
	return se.code
}

// FatalErr is an error that will prevent the CA from continuing the current run
type FatalErr struct {
	ServerErr
}

// NewFatalError constructs a fatal error
func NewFatalError(code int, format string, args ...interface{}) *FatalErr {
	return &FatalErr{*NewServerError(code, format, args...)}
}

func (fe *FatalErr) Error() string {
	return fe.String()
}

// NewBootstrapError returns a FatalBootstrapError
func NewBootstrapError(format string, args ...interface{}) error {
	return errors.WithStack(NewFatalError(ErrBootstrap, format, args...))
}

// NewSigningError returns a FatalSigningError
func NewSigningError(code int, format string, args ...interface{}) error {
	return errors.WithStack(NewFatalError(code, format, args...))
}

// NewPermissionError returns a PermissionError; it is always fatal
func NewPermissionError(format string, args ...interface{}) error {
	return errors.WithStack(NewFatalError(ErrPermission, format, args...))
}

// NewTransferError returns a recoverable TransferError
func NewTransferError(format string, args ...interface{}) error {
	return errors.WithStack(NewServerError(ErrTransfer, format, args...))
}

// IsFatalError return true if the error is of type 'FatalErr'
func IsFatalError(err error) bool {
	_, ok := errors.Cause(err).(*FatalErr)
	return ok
}

// KindOf returns the kind of the cause of err
func KindOf(err error) Kind {
	switch e := errors.Cause(err).(type) {
	case *FatalErr:
		return e.kind
	case *ServerErr:
		return e.kind
	default:
		return KindUnknown
	}
}

// CodeOf returns the error code of the cause of err, or ErrUnknown
func CodeOf(err error) int {
	switch e := errors.Cause(err).(type) {
	case *FatalErr:
		return e.code
	case *ServerErr:
		return e.code
	default:
		return ErrUnknown
	}
}

func kindForCode(code int) Kind {
	switch code {
	case ErrBootstrap, ErrStoreInit:
		return KindBootstrap
	case ErrCSR, ErrSigning, ErrLedger:
		return KindSigning
	case ErrTransfer:
		return KindTransfer
	case ErrPermission:
		return KindPermission
	default:
		return KindUnknown
	}
}

// CreateHTTPErr constructs a new HTTP error.
func CreateHTTPErr(scode, code int, format string, args ...interface{}) *HTTPErr {
	msg := fmt.Sprintf(format, args...)
	return &HTTPErr{
		scode: scode,
		lcode: code,
		lmsg:  msg,
		rcode: code,
		rmsg:  msg,
	}
}

// NewHTTPErr constructs a new HTTP error wrappered with pkg/errors error.
func NewHTTPErr(scode, code int, format string, args ...interface{}) error {
	return errors.Wrap(CreateHTTPErr(scode, code, format, args...), "")
}

// NewNotFoundErr returns a 404 HTTP error
func NewNotFoundErr(format string, args ...interface{}) error {
	return NewHTTPErr(http.StatusNotFound, ErrNotFound, format, args...)
}

// HTTPErr is an HTTP error.
type HTTPErr struct {
	scode int    // HTTP status code.
	lcode int    // local error code.
	lmsg  string // local error message.
	rcode int    // remote error code.
	rmsg  string // remote error message.
}

// Error returns the string representation
func (he *HTTPErr) Error() string {
	return he.String()
}

// String returns a string representation of this augmented error
func (he *HTTPErr) String() string {
	if he.lcode == he.rcode && he.lmsg == he.rmsg {
		return fmt.Sprintf("scode: %d, code: %d, msg: %s", he.scode, he.lcode, he.lmsg)
	}
	return fmt.Sprintf("scode: %d, local code: %d, local msg: %s, remote code: %d, remote msg: %s",
		he.scode, he.lcode, he.lmsg, he.rcode, he.rmsg)
}

// Remote sets the remote code and message to something different from that of the local code and message
func (he *HTTPErr) Remote(code int, format string, args ...interface{}) *HTTPErr {
	he.rcode = code
	he.rmsg = fmt.Sprintf(format, args...)
	return he
}

// GetStatusCode returns the HTTP status code
func (he *HTTPErr) GetStatusCode() int {
	return he.scode
}

// GetLocalCode returns the local error code
func (he *HTTPErr) GetLocalCode() int {
	return he.lcode
}

// GetLocalMsg returns the local error message
func (he *HTTPErr) GetLocalMsg() string {
	return he.lmsg
}

// GetRemoteCode returns the remote error code
func (he *HTTPErr) GetRemoteCode() int {
	return he.rcode
}

// GetRemoteMsg returns the remote error message
func (he *HTTPErr) GetRemoteMsg() string {
	return he.rmsg
}
