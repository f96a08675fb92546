// SPDX-License-Identifier: MIT

package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfClassified(t *testing.T) {
	err := New(Conflict, "status changed")
	assert.Equal(t, Conflict, KindOf(err))

	wrapped := fmt.Errorf("update project: %w", err)
	assert.Equal(t, Conflict, KindOf(wrapped))
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, Cancelled, KindOf(context.Canceled))
	assert.Equal(t, Cancelled, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Cancelled, KindOf(fmt.Errorf("stage: %w", context.Canceled)))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Transient, nil, "ignored"))
}

func TestWrapKeepsChain(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Unrecoverable, cause, "write artifact")
	assert.Equal(t, Unrecoverable, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "write artifact")
	assert.Contains(t, err.Error(), "disk full")
}

func TestSentinelComparison(t *testing.T) {
	err := fmt.Errorf("delete: %w", ErrBusy)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, Busy, KindOf(err))

	notFound := Newf(NotFound, "project %s", "p1")
	assert.ErrorIs(t, notFound, ErrNotFound)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(Transient, "503")))
	assert.False(t, Retryable(New(Unrecoverable, "schema")))
	assert.False(t, Retryable(nil))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		InvalidArgument: http.StatusBadRequest,
		NotFound:        http.StatusNotFound,
		Conflict:        http.StatusConflict,
		Busy:            http.StatusConflict,
		Transient:       http.StatusServiceUnavailable,
		Unrecoverable:   http.StatusUnprocessableEntity,
		Cancelled:       http.StatusConflict,
		Internal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}
