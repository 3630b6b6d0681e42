package httpx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindConnectionFailed ErrorKind = "connection_failed"
	KindTLS              ErrorKind = "tls_error"
	KindDecode           ErrorKind = "decode_error"
	KindCancelled        ErrorKind = "cancelled"
)

// TransportError is the only error type Send returns.
type TransportError struct {
	Kind   ErrorKind
	Detail string

	retryable bool
	err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *TransportError) Unwrap() error { return e.err }

// classifyError maps a client error onto a TransportError kind.
// Timeouts and refused or reset connections are marked retryable.
func classifyError(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	out := &TransportError{Detail: err.Error(), err: err}

	var netErr net.Error
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var recordErr tls.RecordHeaderError

	switch {
	case errors.Is(err, context.Canceled):
		out.Kind = KindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		out.Kind = KindTimeout
		out.retryable = true
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Kind = KindTimeout
		out.retryable = true
	case errors.As(err, &certErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &recordErr):
		out.Kind = KindTLS
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		out.Kind = KindConnectionFailed
		out.retryable = true
	default:
		out.Kind = KindConnectionFailed
	}
	return out
}
