package protocol

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmesh-labs/pool-coordinator/internal/apperr"
)

func strPtr(s string) *string { return &s }

func validSubmit() submitRequest {
	return submitRequest{
		WorkerID:     1,
		AssignmentID: 2,
		Nonce:        "job-2-abc",
		Signature:    "c2ln",
		Output:       map[string]any{"embedding": []any{1.0, 0.0}},
	}
}

func TestValidateSubmitNonceBoundaries(t *testing.T) {
	req := validSubmit()

	req.Nonce = "a"
	require.NoError(t, validateSubmit(req), "length 1 passes")

	req.Nonce = strings.Repeat("a", 128)
	require.NoError(t, validateSubmit(req), "length 128 passes")

	req.Nonce = strings.Repeat("a", 129)
	require.Error(t, validateSubmit(req), "length 129 fails")

	req.Nonce = ""
	require.Error(t, validateSubmit(req))
}

func TestValidateSubmitOutputXorError(t *testing.T) {
	req := validSubmit()
	require.NoError(t, validateSubmit(req))

	req.Output = nil
	req.ErrorMessage = strPtr("cuda out of memory")
	require.NoError(t, validateSubmit(req))

	// Both set and neither set are invalid.
	req.Output = map[string]any{"x": 1}
	require.Error(t, validateSubmit(req))

	req.Output = nil
	req.ErrorMessage = nil
	require.Error(t, validateSubmit(req))
}

func TestValidateSubmitFieldLimits(t *testing.T) {
	req := validSubmit()
	req.Signature = strings.Repeat("A", maxSignatureLen+1)
	require.Error(t, validateSubmit(req))

	req = validSubmit()
	req.Signature = ""
	require.Error(t, validateSubmit(req))

	req = validSubmit()
	req.Output = nil
	req.ErrorMessage = strPtr(strings.Repeat("e", maxErrorMessageLen+1))
	require.Error(t, validateSubmit(req))

	req = validSubmit()
	req.ArtifactURI = strPtr(strings.Repeat("u", maxArtifactURILen+1))
	require.Error(t, validateSubmit(req))

	req = validSubmit()
	req.OutputHash = strPtr(strings.Repeat("f", maxOutputHashLen+1))
	require.Error(t, validateSubmit(req))

	req = validSubmit()
	req.MetricsJSON = map[string]any{}
	for i := 0; i < maxMetricsKeys+1; i++ {
		req.MetricsJSON[fmt.Sprintf("metric_%d", i)] = i
	}
	require.Error(t, validateSubmit(req))

	req = validSubmit()
	req.Output = map[string]any{"blob": strings.Repeat("x", maxJSONFieldLen+1)}
	require.Error(t, validateSubmit(req))
}

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", apperr.Validation("bad nonce"), 400},
		{"auth", apperr.Auth("no identity"), 401},
		{"forbidden", apperr.Forbidden("wrong role"), 403},
		{"not found", apperr.NotFound("no such worker"), 404},
		{"conflict", apperr.Conflict("already submitted"), 409},
		{"store", apperr.Store(nil, "db down"), 500},
		{"rate limit", &rateLimitError{}, 429},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			require.Equal(t, tt.status, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestAllowSubmitRateLimit(t *testing.T) {
	s := New(nil, nil, nil, nil)

	// The burst allows a short spike; sustained calls beyond it are shed.
	allowed := 0
	for i := 0; i < submitRateBurst*3; i++ {
		if s.allowSubmit(42) {
			allowed++
		}
	}
	require.GreaterOrEqual(t, allowed, submitRateBurst)
	require.Less(t, allowed, submitRateBurst*3)

	// A different worker has its own bucket.
	require.True(t, s.allowSubmit(43))
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest("POST", "/workers/heartbeat", strings.NewReader(`{"worker_id":1,"surprise":true}`))
	var req heartbeatRequest
	err := decodeJSON(r, &req)
	require.Error(t, err)

	r = httptest.NewRequest("POST", "/workers/heartbeat", strings.NewReader(`{"worker_id":7}`))
	require.NoError(t, decodeJSON(r, &req))
	require.Equal(t, int64(7), req.WorkerID)
}

func TestJobCreateValidation(t *testing.T) {
	s := New(nil, nil, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"priority too high", `{"job_type":"embedding","payload":{},"priority":101,"price_multiplier":1}`},
		{"priority negative", `{"job_type":"embedding","payload":{},"priority":-1,"price_multiplier":1}`},
		{"zero price multiplier", `{"job_type":"embedding","payload":{},"priority":0,"price_multiplier":0}`},
		{"unknown field", `{"job_type":"embedding","payload":{},"priority":0,"price_multiplier":1,"x":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/internal/jobs/create", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			err := s.handleJobCreate(Principal{}, rec, r, nil)
			require.Error(t, err)
			require.Equal(t, 400, apperr.StatusOf(err))
		})
	}
}
