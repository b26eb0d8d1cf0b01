package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(KindResourceUnavailable, "unit %s is already checked out", "K1")
	wrapped := fmt.Errorf("borrow: %w", err)

	assert.True(t, errors.Is(wrapped, ErrResourceUnavailable))
	assert.False(t, errors.Is(wrapped, ErrResourceBusy))
	assert.Equal(t, KindResourceUnavailable, KindOf(wrapped))
	assert.Equal(t, "unit K1 is already checked out", err.Error())
}

func TestKindOfUnknownIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("connection refused")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestInternalUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Internal(cause, "load unit")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "load unit: dial tcp: refused", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", NotFound("no such loan"), http.StatusNotFound},
		{"invalid grade", New(KindInvalidGrade, "grade must be between 0 and 10"), http.StatusUnprocessableEntity},
		{"unavailable", New(KindResourceUnavailable, "x"), http.StatusConflict},
		{"busy", New(KindResourceBusy, "x"), http.StatusConflict},
		{"already returned", New(KindAlreadyReturned, "x"), http.StatusConflict},
		{"in use", New(KindInUse, "x"), http.StatusConflict},
		{"invalid input", InvalidInput("x"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}

func TestRespondHidesInternalCause(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Respond(c, Internal(errors.New("password authentication failed"), "open db"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestRespondBusinessError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Respond(c, New(KindAlreadyReturned, "loan was already returned"))

	assert.Equal(t, http.StatusConflict, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, "ALREADY_RETURNED", response["error"])
	assert.Equal(t, "loan was already returned", response["message"])
}

func TestLookup(t *testing.T) {
	assert.NoError(t, Lookup(nil, "unit", "u1"))
	assert.ErrorIs(t, Lookup(gorm.ErrRecordNotFound, "unit", "u1"), ErrNotFound)
	assert.Equal(t, "unit u1 not found", Lookup(gorm.ErrRecordNotFound, "unit", "u1").Error())
	assert.Equal(t, KindInternal, KindOf(Lookup(errors.New("timeout"), "unit", "u1")))
}

func TestWrapKeepsBusinessErrors(t *testing.T) {
	busy := New(KindResourceBusy, "unit is on loan")
	assert.Same(t, busy, Wrap(busy, "retire unit").(*Error))
	assert.Equal(t, KindInternal, KindOf(Wrap(errors.New("deadlock"), "retire unit")))
	assert.NoError(t, Wrap(nil, "retire unit"))
}

func TestCheckID(t *testing.T) {
	assert.NoError(t, CheckID("loan", "3f2c6a8e-1b7d-4c1e-9a65-0d4b8f1e2a77"))

	for _, id := range []string{"", "undefined", "loan-1", "3f2c6a8e-1b7d"} {
		err := CheckID("loan", id)
		assert.ErrorIs(t, err, ErrNotFound, id)
		assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
	}
	assert.Equal(t, "loan undefined not found", CheckID("loan", "undefined").Error())
}
