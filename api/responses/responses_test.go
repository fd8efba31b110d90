package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var body ErrorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Error
}

func TestWriteSuccessStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"event_id": "evt-1"})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body SuccessEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "evt-1", body.Data.(map[string]any)["event_id"])
}

func TestWriteSuccessEncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]any{"bad": make(chan int)})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, w).Code)
}

func TestWriteErrorStatusAndMessage(t *testing.T) {
	cases := map[string]struct {
		err     error
		status  int
		message string
	}{
		"validation keeps message": {
			err:     pkgerrors.New(pkgerrors.CodeValidation, "event_name is required"),
			status:  http.StatusBadRequest,
			message: "event_name is required",
		},
		"cancelled is conflict": {
			err:     pkgerrors.New(pkgerrors.CodeCancelled, "execution cancelled"),
			status:  http.StatusConflict,
			message: "execution cancelled",
		},
		"action failure hides message": {
			err:     pkgerrors.New(pkgerrors.CodeActionFailed, "smtp: auth failed for ops@example.com"),
			status:  http.StatusUnprocessableEntity,
			message: "action raised during execution",
		},
		"untyped becomes internal": {
			err:     errors.New("pq: connection refused"),
			status:  http.StatusInternalServerError,
			message: "internal error",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(context.Background(), nil, w, tc.err)

			require.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.message, decodeError(t, w).Message)
		})
	}
}

func TestWriteErrorIncludesValidationDetails(t *testing.T) {
	w := httptest.NewRecorder()
	err := pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
		WithDetails(map[string]string{"reason": "is required"})
	WriteError(context.Background(), logger.Nop(), w, err)

	body := decodeError(t, w)
	assert.Equal(t, string(pkgerrors.CodeValidation), body.Code)
	assert.Equal(t, map[string]any{"reason": "is required"}, body.Details)
}

func TestWriteErrorLogLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.DebugLevel, Output: buf})

	WriteError(context.Background(), logg, httptest.NewRecorder(), pkgerrors.New(pkgerrors.CodeNotFound, "execution not found"))
	assert.Contains(t, buf.String(), `"level":"info"`)
	assert.Contains(t, buf.String(), `"message":"request rejected"`)
	assert.Contains(t, buf.String(), `"status":404`)

	buf.Reset()
	WriteError(context.Background(), logg, httptest.NewRecorder(), errors.New("boom"))
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), `"message":"request failed"`)
	assert.Contains(t, buf.String(), `"error_code":"INTERNAL_ERROR"`)
}
