package therr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"timeout", context.DeadlineExceeded, CodeAPITimeout},
		{"refused", errors.New("dial tcp 127.0.0.1:11434: connection refused"), CodeAPIUnreachable},
		{"context length", errors.New("this model's maximum context length is exceeded"), CodeContextTooLong},
		{"rate limit", errors.New("rate limit exceeded, try again"), CodeAPIRateLimited},
		{"bad key", errors.New("invalid api key provided"), CodeAPIAuthFailed},
		{"server", errors.New("upstream returned 503"), CodeAPIServerError},
		{"other", errors.New("boom"), CodeGenerationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := Classify(tt.err)
			require.NotNil(t, te)
			assert.Equal(t, tt.code, te.Code)
			assert.ErrorIs(t, te, tt.err)
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	orig := Recoverable(CodeValidationError, "champ manquant")
	assert.Same(t, orig, Classify(orig))
	assert.Nil(t, Classify(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 401, HTTPStatus(New(CodeUnauthorized, "")))
	assert.Equal(t, 422, HTTPStatus(New(CodeValidationError, "")))
	assert.Equal(t, 429, HTTPStatus(New(CodeAPIRateLimited, "")))
	assert.Equal(t, 404, HTTPStatus(New(CodeHTTPError, "")))
	assert.Equal(t, 400, HTTPStatus(Recoverable(CodeContextTooLong, "")))
	assert.Equal(t, 500, HTTPStatus(New(CodeContextTooLong, "")))
	assert.Equal(t, 500, HTTPStatus(errors.New("plain")))
}

func TestWithGracefulDegradation(t *testing.T) {
	ctx := context.Background()
	health := NewServiceHealth()
	health.Declare("vector_store", false)

	// Primary succeeds.
	got, err := WithGracefulDegradation(ctx, health, "vector_store",
		func(context.Context) (string, error) { return "ok", nil }, nil, "defaut")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.True(t, health.Snapshot()["vector_store"].Available)

	// Primary fails, fallback serves.
	got, err = WithGracefulDegradation(ctx, health, "vector_store",
		func(context.Context) (string, error) { return "", errors.New("down") },
		func(context.Context) (string, error) { return "secours", nil }, "defaut")
	require.NoError(t, err)
	assert.Equal(t, "secours", got)
	assert.False(t, health.Snapshot()["vector_store"].Available)

	// Everything fails, default wins.
	got, err = WithGracefulDegradation(ctx, health, "vector_store",
		func(context.Context) (string, error) { return "", errors.New("down") },
		nil, "defaut")
	require.NoError(t, err)
	assert.Equal(t, "defaut", got)
}
