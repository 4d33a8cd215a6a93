// Package handler serves a single client connection.
//
// A connection moves through parse, method check, path resolution, content
// negotiation and file serving, then writes exactly one response (or nothing
// for an empty request) and is closed. Every failure along the way becomes an
// error page; nothing escapes Handle.
package handler

import (
	"errors"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/niels/tinyhttpd/pkg/contenttype"
	"github.com/niels/tinyhttpd/pkg/httperr"
	"github.com/niels/tinyhttpd/pkg/request"
	"github.com/niels/tinyhttpd/pkg/resolver"
	"github.com/niels/tinyhttpd/pkg/response"
	"github.com/niels/tinyhttpd/pkg/stats"
	"github.com/rs/zerolog"
)

// Handler holds what every connection needs. It has no per-connection state
// and is safe for concurrent use.
type Handler struct {
	root         *resolver.Root
	logger       zerolog.Logger
	tracker      stats.Tracker
	readTimeout  time.Duration
	writeTimeout time.Duration

	// replaced in tests
	stat     func(name string) (os.FileInfo, error)
	readFile func(name string) ([]byte, error)
}

// New creates a handler serving files under root
func New(root *resolver.Root, logger zerolog.Logger) *Handler {
	return &Handler{
		root:     root,
		logger:   logger,
		tracker:  stats.NopTracker{},
		stat:     os.Stat,
		readFile: os.ReadFile,
	}
}

// WithTracker sets the tracker finished connections are reported to
func (h *Handler) WithTracker(tracker stats.Tracker) *Handler {
	h.tracker = tracker
	return h
}

// WithTimeouts sets socket deadlines for reading the request and writing the
// response. Zero disables a deadline.
func (h *Handler) WithTimeouts(read, write time.Duration) *Handler {
	h.readTimeout = read
	h.writeTimeout = write
	return h
}

// session is the state of one connection
type session struct {
	h       *Handler
	conn    net.Conn
	logger  zerolog.Logger
	start   time.Time
	req     *request.Request
	path    resolver.ResolvedPath
	ctype   string
	res     *response.Response
	written int64
}

type stateFunc func(*session) stateFunc

// Handle serves one request on conn and closes it. It never panics.
func (h *Handler) Handle(conn net.Conn) {
	s := &session{
		h:      h,
		conn:   conn,
		logger: h.logger,
		start:  time.Now(),
	}
	defer func() {
		s.recoverPanic(recover())
		s.finish()
	}()

	s.logger = h.logger.With().Str("remote", remoteAddr(conn)).Logger()
	for state := parseRequest; state != nil; {
		state = state(s)
	}
}

// state funcs

func parseRequest(s *session) stateFunc {
	if s.h.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.h.readTimeout))
	}

	req, err := request.Parse(s.conn)
	if err != nil {
		if httperr.KindOf(err) == httperr.EmptyRequest {
			s.logger.Debug().Msg("peer closed without sending a request")
			return nil
		}
		return s.fail(err)
	}

	s.req = req
	s.logger = s.logger.With().Str("method", req.Method).Str("target", req.Target).Logger()
	s.logger.Debug().Str("version", req.Version).Str("user_agent", req.Headers["user-agent"]).Msg("request received")
	return validateMethod
}

func validateMethod(s *session) stateFunc {
	if !s.req.IsGet() {
		return s.fail(httperr.Errorf(httperr.MethodNotAllowed, "validate", "method %q", s.req.Method))
	}
	return resolvePath
}

func resolvePath(s *session) stateFunc {
	path, err := s.h.root.Resolve(s.req.Target)
	if err != nil {
		return s.fail(err)
	}
	s.path = path
	return negotiate
}

func negotiate(s *session) stateFunc {
	ctype, err := contenttype.Negotiate(s.path.String())
	if err != nil {
		return s.fail(err)
	}
	s.ctype = ctype
	return serveFile
}

func serveFile(s *session) stateFunc {
	name := s.path.String()

	info, err := s.h.stat(name)
	if err != nil {
		return s.fail(classifyFileError(err))
	}
	if info.IsDir() {
		return s.fail(httperr.Errorf(httperr.NotFound, "serve", "%s is a directory", name))
	}

	data, err := s.h.readFile(name)
	if err != nil {
		return s.fail(classifyFileError(err))
	}

	s.res = response.File(s.ctype, data)
	return writeResponse
}

func writeResponse(s *session) stateFunc {
	if s.h.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.writeTimeout))
	}

	n, err := s.res.WriteTo(s.conn)
	s.written += n
	if err == nil {
		return nil
	}

	s.logger.Warn().Err(err).Int64("written", n).Int("status", s.res.Status).Msg("failed to write response")

	// Nothing reached the peer yet, so a 500 can still be attempted once.
	if s.written == 0 && s.res.Status != http.StatusInternalServerError {
		s.res = errorResponse(httperr.IoFailure)
		return writeResponse
	}
	return nil
}

// fail logs err and moves to writing the matching error page
func (s *session) fail(err error) stateFunc {
	kind := httperr.KindOf(err)
	s.res = errorResponse(kind)

	var event *zerolog.Event
	if kind.Status() >= 500 {
		event = s.logger.Error()
	} else {
		event = s.logger.Info()
	}
	event.Err(err).Int("status", kind.Status()).Msg("request rejected")

	return writeResponse
}

// recoverPanic turns a panic in any state into a best-effort 500
func (s *session) recoverPanic(r interface{}) {
	if r == nil {
		return
	}

	s.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("connection handler panicked")

	if s.written > 0 {
		return
	}
	s.res = errorResponse(httperr.UnexpectedFailure)
	s.guard("error page", func() {
		if _, err := s.res.WriteTo(s.conn); err != nil {
			s.logger.Warn().Err(err).Msg("failed to write error response after panic")
		}
	})
}

// finish closes the connection and reports it. Each step runs guarded so a
// panic in one still lets the others run.
func (s *session) finish() {
	s.guard("close", func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close failed")
		}
	})

	entry := stats.Entry{
		Bytes:    s.written,
		Duration: time.Since(s.start),
	}
	if s.req != nil {
		entry.Method = s.req.Method
		entry.Target = s.req.Target
	}
	if s.res != nil {
		entry.Status = s.res.Status
	}
	s.guard("record", func() {
		entry.Remote = remoteAddr(s.conn)
		s.h.tracker.Record(entry)
	})

	if s.res != nil && s.res.Status < 300 {
		s.logger.Debug().Int("status", s.res.Status).Int64("bytes", s.written).Dur("elapsed", entry.Duration).Msg("request served")
	}
}

// guard runs fn and logs a panic instead of letting it escape Handle
func (s *session) guard(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("step", step).Msg("panic while finishing connection")
		}
	}()
	fn()
}

func errorResponse(kind httperr.Kind) *response.Response {
	return response.Error(kind.Status(), kind.Message())
}

// classifyFileError maps a filesystem error to NotFound or IoFailure.
// A path through a regular file ("a.html/b.html") counts as missing.
func classifyFileError(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return httperr.New(httperr.NotFound, "serve", err)
	}
	return httperr.New(httperr.IoFailure, "serve", err)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
