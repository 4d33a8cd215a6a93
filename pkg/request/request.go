package request

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"github.com/niels/tinyhttpd/pkg/httperr"
)

const op = "parse"

// Header holds request headers keyed by lower-cased name.
// Not map[string][]string, unlike http.Header: only the last value is kept.
type Header map[string]string

// Request is the parsed request line plus the drained header block
type Request struct {
	Method  string
	Target  string // as received, not decoded
	Version string
	Headers Header
}

// Parse reads one request from r.
//
// It fails with httperr.EmptyRequest when r is exhausted before any byte
// arrives, httperr.MalformedRequest when the request line has fewer than
// three space-separated tokens, and httperr.IoFailure when reading the request
// line fails otherwise. Header lines are drained until the blank line; a
// stream that ends early inside the header block is not an error.
func Parse(r io.Reader) (*Request, error) {
	br := asBufioReader(r)

	line, err := readLine(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, httperr.New(httperr.EmptyRequest, op, nil)
		}
		return nil, httperr.New(httperr.IoFailure, op, err)
	}

	fields := strings.Split(line, " ")
	if len(fields) < 3 {
		return nil, httperr.Errorf(httperr.MalformedRequest, op, "request line has %d tokens", len(fields))
	}

	req := &Request{
		Method:  fields[0],
		Target:  fields[1],
		Version: fields[2],
		Headers: readHeaders(br),
	}
	return req, nil
}

// IsGet reports whether the method is GET, ignoring case
func (r *Request) IsGet() bool {
	return strings.EqualFold(r.Method, "GET")
}

func asBufioReader(r io.Reader) *bufio.Reader {
	if casted, ok := r.(*bufio.Reader); ok {
		return casted
	}
	return bufio.NewReader(r)
}

// similar to readLineSlice() in net/textproto/reader.go.
// Accepts both CRLF and bare LF terminators.
func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		l, more, err := r.ReadLine()
		if err != nil {
			if len(line) > 0 {
				return string(line), nil
			}
			return "", err
		}
		if line == nil && !more {
			return string(l), nil
		}
		line = append(line, l...)
		if !more {
			break
		}
	}
	return string(line), nil
}

// readHeaders consumes header lines up to the blank line, best-effort.
// Lines without a colon are skipped.
func readHeaders(r *bufio.Reader) Header {
	headers := make(Header)
	for {
		line, err := readLine(r)
		if err != nil || len(line) == 0 {
			return headers
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
}
