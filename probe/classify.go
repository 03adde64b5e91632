package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/nbari/dbpulse/dialect"
)

// ErrorType is one of the five error_type label values the
// specification defines. Panics are counted separately and never appear
// here.
type ErrorType string

const (
	ErrorAuthentication ErrorType = "authentication"
	ErrorTimeout        ErrorType = "timeout"
	ErrorConnection     ErrorType = "connection"
	ErrorTransaction    ErrorType = "transaction"
	ErrorQuery          ErrorType = "query"
)

// authMarkers, timeoutMarkers, etc. list the driver error codes and
// message substrings that identify each category, taken from the
// specification's explicit table (§4.5/§7).
var (
	authMarkers = []string{
		"28p01", "1045", "authentication failed", "access denied", "password authentication failed",
	}
	timeoutMarkers = []string{
		"57014", "1317", "er_query_timeout", "statement timeout", "lock timeout",
		"context deadline exceeded", "i/o timeout",
	}
	connectionMarkers = []string{
		"connection refused", "no route to host", "network is unreachable",
		"broken pipe", "connection reset",
	}
	transactionMarkers = []string{
		"40001", "40p01", "1213", "deadlock", "could not serialize access", "serialization failure",
	}
)

// Classify determines the error_type label for a failed iteration,
// following the priority chain: platform error types first (DNS, socket,
// TLS errors, which are unambiguous), then the driver code/message
// tables for authentication, timeout, connection, and transaction
// errors, in that order. Anything left over falls through to "query".
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	if errors.Is(err, dialect.ErrReadOnly) {
		return ErrorTransaction
	}

	// Platform-level detection — unambiguous regardless of message text.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if isConnectionRefused(opErr.Err) {
			return ErrorConnection
		}
		if opErr.Timeout() {
			return ErrorTimeout
		}
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ErrorConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authMarkers):
		return ErrorAuthentication
	case containsAny(msg, timeoutMarkers):
		return ErrorTimeout
	case containsAny(msg, connectionMarkers):
		return ErrorConnection
	case containsAny(msg, transactionMarkers):
		return ErrorTransaction
	default:
		return ErrorQuery
	}
}

// tlsMarkers lists message substrings that identify a TLS/handshake
// failure, as opposed to a plain connection or driver error.
var tlsMarkers = []string{
	"tls:", "x509:", "certificate", "handshake failure", "remote error: tls",
}

// IsTLSError reports whether err originates from the TLS handshake
// itself, rather than from the underlying TCP connection or the
// database protocol above it.
func IsTLSError(err error) bool {
	if err == nil {
		return false
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), tlsMarkers)
}

func isConnectionRefused(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNREFUSED
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
