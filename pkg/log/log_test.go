package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
	return m
}

func TestNew_LevelAndService(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", ServiceName: "transform-service", Output: &buf})

	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("shown")
	line := lastLine(t, &buf)
	assert.Equal(t, "transform-service", line[FieldService])
	assert.Equal(t, "shown", line["message"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestCtxAndWithFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithFields(ctx, map[string]string{FieldBucket: "uploads", FieldObject: "cat.jpg"})

	l := Ctx(ctx)
	l.Info().Msg("hello")

	line := lastLine(t, &buf)
	assert.Equal(t, "uploads", line[FieldBucket])
	assert.Equal(t, "cat.jpg", line[FieldObject])
}

func TestGinMiddleware_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer

	r := gin.New()
	r.Use(GinMiddleware(zerolog.New(&buf)))
	r.GET("/ping", func(c *gin.Context) {
		l := Ctx(c.Request.Context())
		l.Info().Msg("inside")
		c.String(http.StatusOK, "pong")
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	line := lastLine(t, &buf)
	assert.Equal(t, "req-42", line[FieldRequestID])
	assert.Equal(t, float64(http.StatusOK), line[FieldStatus])
	assert.Contains(t, buf.String(), `"message":"inside"`)
}
