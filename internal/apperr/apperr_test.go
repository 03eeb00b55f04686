package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = errors.New("draft not found")

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad id"), http.StatusBadRequest},
		{New(KindConflict, "status=executed"), http.StatusBadRequest},
		{Wrap(KindNotFound, errSentinel, "draft %s", "x"), http.StatusNotFound},
		{New(KindUnavailable, "queue down"), http.StatusServiceUnavailable},
		{New(KindUnauthorized, "no token"), http.StatusUnauthorized},
		{New(KindForbidden, "admin only"), http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), tt.err.Error())
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	err := fmt.Errorf("confirm: %w", Wrap(KindNotFound, errSentinel, "draft %s", "abc"))
	assert.ErrorIs(t, err, errSentinel)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Contains(t, err.Error(), "draft abc: draft not found")
}
