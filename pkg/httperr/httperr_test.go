package httperr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{EmptyRequest, 0},
		{MalformedRequest, 400},
		{MethodNotAllowed, 405},
		{ForbiddenPath, 403},
		{UnsupportedType, 403},
		{NotFound, 404},
		{IoFailure, 500},
		{UnexpectedFailure, 500},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.Status(); got != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, got)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	err := New(NotFound, "serve", io.EOF)
	wrapped := fmt.Errorf("while handling: %w", err)

	if KindOf(wrapped) != NotFound {
		t.Errorf("Expected NotFound, got %v", KindOf(wrapped))
	}
	if KindOf(errors.New("boom")) != UnexpectedFailure {
		t.Errorf("Plain errors should classify as UnexpectedFailure")
	}
	if !errors.Is(wrapped, io.EOF) {
		t.Errorf("Expected cause to be reachable through Unwrap")
	}
	if !errors.Is(wrapped, New(NotFound, "", nil)) {
		t.Errorf("Expected errors.Is to match on kind")
	}
	if errors.Is(wrapped, New(ForbiddenPath, "", nil)) {
		t.Errorf("errors.Is should not match a different kind")
	}
}

func TestErrorString(t *testing.T) {
	err := Errorf(ForbiddenPath, "resolve", "target %q escapes root", "/../x")
	if !strings.Contains(err.Error(), "resolve: forbidden path") {
		t.Errorf("Unexpected error string: %s", err.Error())
	}

	bare := New(EmptyRequest, "parse", nil)
	if bare.Error() != "parse: empty request" {
		t.Errorf("Unexpected error string: %s", bare.Error())
	}
}

func TestMessagesDoNotLeak(t *testing.T) {
	for kind := range kindNames {
		msg := kind.Message()
		if msg == "" {
			t.Errorf("Kind %v has no message", kind)
		}
		if strings.Contains(msg, "/") {
			t.Errorf("Message for %v looks like it contains a path: %s", kind, msg)
		}
	}
}
