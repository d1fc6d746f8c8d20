package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

const (
	// readChunkSize matches the relay chunk size; one recv granularity
	// throughout the data path.
	readChunkSize = 4096

	// maxHeadBytes caps the request head. Anything larger is treated as
	// a framing error and the connection is dropped.
	maxHeadBytes = 64 * 1024
)

var (
	headTerminator = []byte("\r\n\r\n")

	// ErrHeadTooLarge reports a request head exceeding maxHeadBytes.
	ErrHeadTooLarge = errors.New("request head exceeds size limit")

	// ErrMalformedRequest reports an unparseable request line.
	ErrMalformedRequest = errors.New("malformed request line")
)

// RawRequest is a minimally parsed HTTP request head. Bodies are never
// parsed; any body bytes read past the head terminator are carried in
// Remainder and forwarded verbatim.
type RawRequest struct {
	Method      string
	Target      string
	Proto       string
	HeaderLines []string // raw header lines, CRLF stripped
	Head        []byte   // full raw head including the terminator
	Remainder   []byte   // bytes read past the head
}

// readHead accumulates bytes from conn until a complete request head
// (terminated by CRLF CRLF) is available, then parses the request line
// and splits out the raw header lines.
//
// io.EOF means the peer closed before sending a complete head.
func readHead(conn net.Conn) (*RawRequest, error) {
	var buf []byte
	chunk := make([]byte, readChunkSize)

	for {
		if idx := bytes.Index(buf, headTerminator); idx >= 0 {
			return parseHead(buf, idx)
		}
		if len(buf) > maxHeadBytes {
			return nil, ErrHeadTooLarge
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF && len(buf) == 0 {
				return nil, io.EOF
			}
			if idx := bytes.Index(buf, headTerminator); idx >= 0 {
				return parseHead(buf, idx)
			}
			return nil, fmt.Errorf("read request head: %w", err)
		}
	}
}

// parseHead splits the buffer at the terminator found at idx and parses
// the request line.
func parseHead(buf []byte, idx int) (*RawRequest, error) {
	headEnd := idx + len(headTerminator)
	head := buf[:headEnd]
	remainder := buf[headEnd:]

	lines := strings.Split(string(buf[:idx]), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, ErrMalformedRequest
	}

	parts := strings.Split(lines[0], " ")
	if len(parts) < 2 {
		return nil, ErrMalformedRequest
	}

	req := &RawRequest{
		Method:      strings.ToUpper(parts[0]),
		Target:      parts[1],
		HeaderLines: lines[1:],
		Head:        head,
		Remainder:   remainder,
	}
	if len(parts) >= 3 {
		req.Proto = parts[2]
	}
	return req, nil
}

// Host returns the value of the Host header, or "" when absent.
func (r *RawRequest) Host() string {
	for _, line := range r.HeaderLines {
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "host") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// splitHostPort splits a CONNECT target into host and port, defaulting
// the port to 443.
func splitHostPort(target string) (host, port string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, "443"
	}
	return host, port
}
