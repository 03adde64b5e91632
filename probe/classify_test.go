package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/nbari/dbpulse/dialect"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"postgres auth code", errors.New("pq: 28P01: password authentication failed for user"), ErrorAuthentication},
		{"mysql auth code", errors.New("Error 1045: Access denied for user"), ErrorAuthentication},
		{"postgres timeout code", errors.New("pq: 57014: canceling statement due to statement timeout"), ErrorTimeout},
		{"mysql timeout code", errors.New("Error 1317: Query execution was interrupted"), ErrorTimeout},
		{"connection refused text", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), ErrorConnection},
		{"deadlock", errors.New("pq: 40P01: deadlock detected"), ErrorTransaction},
		{"mysql deadlock", errors.New("Error 1213: Deadlock found when trying to get lock"), ErrorTransaction},
		{"unrecognized falls through to query", errors.New("syntax error near SELECT"), ErrorQuery},
		{"context deadline exceeded", context.DeadlineExceeded, ErrorTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%q) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassify_DNSError(t *testing.T) {
	err := &net.DNSError{Err: "no such host", Name: "bogus.invalid"}
	if got := Classify(err); got != ErrorConnection {
		t.Errorf("Classify(DNSError) = %q, want %q", got, ErrorConnection)
	}
}

func TestClassify_ReadOnly(t *testing.T) {
	err := fmt.Errorf("write: %w", dialect.ErrReadOnly)
	if got := Classify(err); got != ErrorTransaction {
		t.Errorf("Classify(wrapped ErrReadOnly) = %q, want %q", got, ErrorTransaction)
	}
}

func TestIsTLSError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"handshake failure text", errors.New("tls: handshake failure"), true},
		{"x509 text", errors.New("x509: certificate signed by unknown authority"), true},
		{"record header error", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, true},
		{"plain connection refused", errors.New("dial tcp: connection refused"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTLSError(tc.err); got != tc.want {
				t.Errorf("IsTLSError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != "" {
		t.Errorf("Classify(nil) = %q, want empty", got)
	}
}
