package response

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"

	"github.com/niels/tinyhttpd/pkg/contenttype"
)

// Version is the protocol version written on every status line
const Version = "HTTP/1.1"

// Header is a single response header line
type Header struct {
	Name  string
	Value string
}

// Response is a fully built HTTP response. Headers keep insertion order.
type Response struct {
	Status  int
	Phrase  string
	Headers []Header
	Body    []byte
}

// phrases holds the fixed reason phrases for the statuses this server emits
var phrases = map[int]string{
	http.StatusOK:                  "OK",
	http.StatusBadRequest:          "Bad Request",
	http.StatusForbidden:           "Forbidden",
	http.StatusNotFound:            "Not Found",
	http.StatusMethodNotAllowed:    "Method Not Allowed",
	http.StatusInternalServerError: "Internal Server Error",
}

// Phrase returns the reason phrase for status, falling back to net/http's table
func Phrase(status int) string {
	if p, ok := phrases[status]; ok {
		return p
	}
	return http.StatusText(status)
}

// File builds a 200 response carrying body as the payload
func File(contentType string, body []byte) *Response {
	return build(http.StatusOK, contentType, body)
}

// Error builds an error page for status. Title and message are HTML-escaped.
func Error(status int, message string) *Response {
	title := fmt.Sprintf("%d %s", status, Phrase(status))
	return build(status, contenttype.HTML, ErrorPage(title, message))
}

// ErrorPage renders the HTML body used for every non-2xx response
func ErrorPage(title, message string) []byte {
	t := html.EscapeString(title)
	m := html.EscapeString(message)
	return []byte("<html><head><title>" + t + "</title></head><body><h1>" + t + "</h1><p>" + m + "</p></body></html>")
}

func build(status int, contentType string, body []byte) *Response {
	return &Response{
		Status: status,
		Phrase: Phrase(status),
		Headers: []Header{
			{Name: "Content-Type", Value: contentType},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "Connection", Value: "close"},
		},
		Body: body,
	}
}

// Header returns the value of the named header, or "" if absent
func (r *Response) Header(name string) string {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Bytes returns the exact wire form of the response
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(64 + len(r.Body))
	fmt.Fprintf(&buf, "%s %d %s\r\n", Version, r.Status, r.Phrase)
	for _, h := range r.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// WriteTo writes the response to w in a single write.
// The returned count lets callers tell whether anything reached the peer.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}
