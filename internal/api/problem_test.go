package api

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/events"
	"github.com/lucidcoder/lucidcoder/internal/llm"
	"github.com/lucidcoder/lucidcoder/internal/workspace"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"not found", perrors.NotFound("goal %q", "x"), http.StatusNotFound, "not_found"},
		{"invalid", perrors.Invalid("bad"), http.StatusBadRequest, "invalid_input"},
		{"traversal", fmt.Errorf("%w: ../x", workspace.ErrOutsideWorkspace), http.StatusBadRequest, "invalid_input"},
		{"transition", perrors.Transition("nope"), http.StatusConflict, "invalid_transition"},
		{"conflict", fmt.Errorf("%w: dup", perrors.ErrConflict), http.StatusConflict, "conflict"},
		{"confirmation", fmt.Errorf("%w: delete", perrors.ErrConfirmationRequired), http.StatusPreconditionRequired, "confirmation_required"},
		{"llm", &llm.Error{Provider: "fake", Err: errors.New("down")}, http.StatusBadGateway, "llm_error"},
		{"timeout", perrors.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{"fiber", fiber.NewError(http.StatusTeapot, "short and stout"), http.StatusTeapot, "http_error"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind, _ := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestClassify_OverviewErrorUnwraps(t *testing.T) {
	err := &overviewError{err: perrors.Transition("Branch must pass tests before merging")}
	status, _, _ := classify(err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Branch must pass tests before merging", perrors.Message(errors.Unwrap(err)))
}

func TestWriteEvent(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	err := writeEvent(w, events.Event{Type: "branches.updated", ProjectID: "p1", Payload: map[string]int{"n": 1}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "event: branches.updated\n")
	assert.Contains(t, out, `"projectId":"p1"`)
	assert.Contains(t, out, "\n\n")
}
