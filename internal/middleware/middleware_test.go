package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"imagerelay/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestBodySizeLimit(t *testing.T) {
	router := gin.New()
	router.Use(BodySizeLimit(16))
	router.POST("/echo", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			if IsBodyTooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": ErrBodyTooLarge})
				return
			}
			c.Status(http.StatusBadRequest)
			return
		}
		c.String(http.StatusOK, string(body))
	})

	t.Run("声明长度超限直接拒绝", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 32)))
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), ErrBodyTooLarge)
	})

	t.Run("未声明长度读取超限", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 32)))
		req.ContentLength = -1
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("限制内正常处理", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("hello"))
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello", w.Body.String())
		assert.Equal(t, "16", w.Header().Get("X-Max-Body-Size"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeaders())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "img-src 'self'")
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	t.Run("生成新ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		id := w.Header().Get(RequestIDHeader)
		require.NotEmpty(t, id)
		assert.Equal(t, id, w.Body.String())
	})

	t.Run("沿用客户端ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "0b7f3c2e-1d4a-4c55-9a8e-2f1e6b0c9d11")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, "0b7f3c2e-1d4a-4c55-9a8e-2f1e6b0c9d11", w.Header().Get(RequestIDHeader))
	})

	t.Run("忽略非法ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "<script>")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.NotEqual(t, "<script>", w.Header().Get(RequestIDHeader))
	})
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(RequestID(), RequestLogger(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) {
		c.Header("X-Upload-ID", "upload-1")
		c.Status(http.StatusOK)
	})
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	for _, path := range []string{"/ok", "/bad", "/fail"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "upload-1", entries[0].ContextMap()["upload_id"])
	assert.NotEmpty(t, entries[0].ContextMap()["request_id"])
	assert.Equal(t, "GET /ok", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestInstrument(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router := gin.New()
	router.Use(Instrument(metrics, zap.NewNop()))
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	families, err := reg.Gather()
	require.NoError(t, err)

	requests := map[string]float64{}
	var panics float64
	for _, family := range families {
		switch family.GetName() {
		case monitoring.Namespace + "_http_requests_total":
			for _, metric := range family.GetMetric() {
				var endpoint, status string
				for _, pair := range metric.GetLabel() {
					switch pair.GetName() {
					case "endpoint":
						endpoint = pair.GetValue()
					case "status_code":
						status = pair.GetValue()
					}
				}
				requests[endpoint+" "+status] += metric.GetCounter().GetValue()
			}
		case monitoring.Namespace + "_panics_total":
			panics = family.GetMetric()[0].GetCounter().GetValue()
		}
	}

	assert.Equal(t, 1.0, requests["/ok 200"])
	assert.Equal(t, 1.0, requests["/panic 500"])
	assert.Equal(t, 1.0, requests["unmatched 404"])
	assert.Equal(t, 1.0, panics)
}
