// Package certprobe inspects a database server's TLS certificate
// out-of-band, without depending on the SQL driver exposing peer
// certificates. It speaks just enough of each protocol's STARTTLS-style
// negotiation to reach the TLS handshake, then reads the leaf
// certificate.
package certprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Protocol selects which wire-level negotiation to perform before the
// TLS handshake.
type Protocol int

const (
	ProtocolPostgres Protocol = iota
	ProtocolMySQL
)

// Postgres SSLRequest startup packet: 8-byte length-prefixed message
// carrying the magic code 80877103 (0x04D2162F).
const (
	postgresSSLRequestCode = 0x04D2162F
	postgresSSLRequestLen  = 8
)

// MySQL client capability flags relevant to negotiating TLS.
const (
	mysqlClientLongFlag         = 0x00000004
	mysqlClientProtocol41       = 0x00000200
	mysqlClientSSL              = 0x00000800
	mysqlClientSecureConnection = 0x00008000
	mysqlClientPluginAuth       = 0x00080000
)

// ErrorType classifies a probe failure for the
// dbpulse_tls_cert_probe_errors_total counter.
type ErrorType string

const (
	ErrorConnection ErrorType = "connection"
	ErrorHandshake  ErrorType = "handshake"
	ErrorParse      ErrorType = "parse"
	ErrorTimeout    ErrorType = "timeout"
)

// ProbeError wraps an underlying failure with its classification.
type ProbeError struct {
	Type ErrorType
	Err  error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("certprobe: %s: %v", e.Type, e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

// Metadata is everything extracted from the server's leaf certificate.
type Metadata struct {
	Subject      string
	Issuer       string
	NotAfterUnix int64
}

// ExpiryDays returns the (possibly negative) number of whole days
// between now and the certificate's not-after time.
func (m Metadata) ExpiryDays(now time.Time) int64 {
	return (m.NotAfterUnix - now.Unix()) / 86400
}

// timeout is the hard cap on one probe attempt, per the specification.
const timeout = 5 * time.Second

// Probe opens a fresh TCP connection to host:port, performs the
// protocol-specific STARTTLS negotiation, completes a TLS handshake with
// a permissive verifier, and extracts the leaf certificate's metadata.
// The permissive verifier is scoped to this connection alone; it is
// never reachable from the main database connection path.
func Probe(ctx context.Context, host, port string, proto Protocol) (*Metadata, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, &ProbeError{Type: ErrorTimeout, Err: err}
		}
		return nil, &ProbeError{Type: ErrorConnection, Err: err}
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	switch proto {
	case ProtocolPostgres:
		if err := negotiatePostgres(conn); err != nil {
			return nil, err
		}
	case ProtocolMySQL:
		if err := negotiateMySQL(conn); err != nil {
			return nil, err
		}
	}

	tlsConn := tls.Client(conn, permissiveTLSConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &ProbeError{Type: ErrorHandshake, Err: err}
	}

	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, &ProbeError{Type: ErrorParse, Err: fmt.Errorf("server presented no certificates")}
	}
	leaf := certs[0]
	return &Metadata{
		Subject:      distinguishedName(leaf.Subject),
		Issuer:       distinguishedName(leaf.Issuer),
		NotAfterUnix: leaf.NotAfter.Unix(),
	}, nil
}

func distinguishedName(name pkix.Name) string { return name.String() }

// permissiveTLSConfig accepts any certificate chain. The probe exists to
// read certificate fields out-of-band, never to enforce a trust policy —
// that decision belongs solely to the dialect layer's connect().
func permissiveTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // scoped to the out-of-band probe only
}

// negotiatePostgres sends the SSLRequest startup packet and expects a
// single 'S' byte back before proceeding to the TLS handshake.
func negotiatePostgres(conn net.Conn) error {
	packet := make([]byte, postgresSSLRequestLen)
	binary.BigEndian.PutUint32(packet[0:4], postgresSSLRequestLen)
	binary.BigEndian.PutUint32(packet[4:8], postgresSSLRequestCode)
	if _, err := conn.Write(packet); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: err}
	}

	resp := make([]byte, 1)
	if _, err := conn.Read(resp); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: err}
	}
	if resp[0] != 'S' {
		return &ProbeError{Type: ErrorHandshake, Err: fmt.Errorf("server does not accept TLS connections")}
	}
	return nil
}

// mysqlHandshake is what we need out of the server's initial handshake
// packet to build a matching SSL request.
type mysqlHandshake struct {
	capabilities uint32
	charset      byte
}

// negotiateMySQL reads the server's initial handshake packet, checks the
// CLIENT_SSL capability bit, and sends a matching SSL request packet.
func negotiateMySQL(conn net.Conn) error {
	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: err}
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16

	payload := make([]byte, length)
	if _, err := readFull(conn, payload); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: err}
	}

	hs, err := parseMySQLHandshake(payload)
	if err != nil {
		return &ProbeError{Type: ErrorParse, Err: err}
	}
	if hs.capabilities&mysqlClientSSL == 0 {
		return &ProbeError{Type: ErrorHandshake, Err: fmt.Errorf("server does not support TLS")}
	}

	packet := buildMySQLSSLRequest(hs)
	if _, err := conn.Write(packet); err != nil {
		return &ProbeError{Type: ErrorConnection, Err: err}
	}
	return nil
}

// parseMySQLHandshake extracts the capability flags and charset from the
// server's initial handshake packet (protocol version 10 layout).
func parseMySQLHandshake(payload []byte) (mysqlHandshake, error) {
	pos := 0
	if pos >= len(payload) {
		return mysqlHandshake{}, fmt.Errorf("truncated handshake: missing protocol version")
	}
	pos++ // protocol version

	nul := indexByte(payload[pos:], 0)
	if nul < 0 {
		return mysqlHandshake{}, fmt.Errorf("truncated handshake: unterminated version string")
	}
	pos += nul + 1

	pos += 4 // connection id
	pos += 8 // auth-plugin-data-part-1
	if pos >= len(payload) {
		return mysqlHandshake{}, fmt.Errorf("truncated handshake: missing filler")
	}
	pos++ // filler

	if pos+2 > len(payload) {
		return mysqlHandshake{}, fmt.Errorf("truncated handshake: missing capability flags (lower)")
	}
	capLower := uint32(payload[pos]) | uint32(payload[pos+1])<<8
	pos += 2

	if pos >= len(payload) {
		return mysqlHandshake{}, fmt.Errorf("truncated handshake: missing charset")
	}
	charset := payload[pos]
	pos++

	pos += 2 // status flags

	var capUpper uint32
	if pos+2 <= len(payload) {
		capUpper = uint32(payload[pos]) | uint32(payload[pos+1])<<8
	}

	return mysqlHandshake{
		capabilities: capLower | capUpper<<16,
		charset:      charset,
	}, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// buildMySQLSSLRequest builds the SSL request packet (a 4-byte header
// followed by a 32-byte payload, 36 bytes in all) a client
// sends in place of the full handshake response when it intends to
// upgrade to TLS before authenticating.
func buildMySQLSSLRequest(hs mysqlHandshake) []byte {
	const payloadLen = 4 + 4 + 1 + 23 // client_flags + max_packet + collation + filler
	packet := make([]byte, 4+payloadLen)

	packet[0] = byte(payloadLen)
	packet[1] = byte(payloadLen >> 8)
	packet[2] = byte(payloadLen >> 16)
	packet[3] = 1 // sequence number

	wanted := uint32(mysqlClientProtocol41 | mysqlClientSSL | mysqlClientSecureConnection |
		mysqlClientLongFlag | mysqlClientPluginAuth)
	clientFlags := wanted & (hs.capabilities | mysqlClientSSL)
	binary.LittleEndian.PutUint32(packet[4:8], clientFlags)

	binary.LittleEndian.PutUint32(packet[8:12], 16777216) // max_packet_size

	collation := hs.charset
	if collation == 0 {
		collation = 0x21 // utf8_general_ci
	}
	packet[12] = collation
	// remaining 23 bytes are the zero filler, already zero-valued.

	return packet
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
