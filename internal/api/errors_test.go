package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/testutil"
)

func TestWriteAPIError_Kinds(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{apperr.NotFound("session x"), ErrCodeNotFound, http.StatusNotFound},
		{fmt.Errorf("start: %w", apperr.Conflict("already running")), ErrCodeConflict, http.StatusConflict},
		{apperr.Config("bad mount"), ErrCodeInvalidConfig, http.StatusBadRequest},
		{apperr.Identity("uid 0"), ErrCodeIdentity, http.StatusBadRequest},
		{apperr.MountVisibility("/host"), ErrCodeMountVisibility, http.StatusBadRequest},
		{apperr.New(apperr.KindBuild, "build", "exit 1"), ErrCodeBuildFailed, http.StatusUnprocessableEntity},
		{apperr.New(apperr.KindLaunch, "launch", "no image"), ErrCodeLaunchFailed, http.StatusUnprocessableEntity},
		{apperr.New(apperr.KindCrashDetected, "", "gone"), ErrCodeCrashDetected, http.StatusUnprocessableEntity},
		{apperr.New(apperr.KindMigration, "", "v3"), ErrCodeInternalError, http.StatusInternalServerError},
		{errors.New("plain"), ErrCodeInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeAPIError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body APIError
			testutil.DecodeJSON(t, rec, &body)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.err.Error(), body.Message)
		})
	}
}

func TestWriteValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeValidationError(rec, "project_id is required", map[string]interface{}{"field": "project_id"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body APIError
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, ErrCodeInvalidRequest, body.Code)
	assert.Equal(t, "project_id", body.Details["field"])
}
