package rest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/bizflow/internal/actions"
	"github.com/davidmoltin/bizflow/internal/api/rest/handlers"
	customMiddleware "github.com/davidmoltin/bizflow/internal/api/rest/middleware"
	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/monitor"
	"github.com/davidmoltin/bizflow/internal/repository/memory"
	"github.com/davidmoltin/bizflow/internal/services"
	"github.com/davidmoltin/bizflow/internal/validators"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/metrics"
)

func newTestRouter(t *testing.T, opts RouterOptions) http.Handler {
	t.Helper()

	log := logger.NewForTesting()
	store := memory.NewStore()
	reg := engine.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Options{Logger: log}))

	eng := engine.New(store, reg, engine.DefaultConfig())
	mon := monitor.New(store, monitor.DefaultConfig())
	svc := services.NewWorkflowService(store, validators.NewWorkflowValidator(reg, nil), log)
	h := handlers.NewHandlers(log, "test", svc, eng, store, mon, nil)

	promReg := prometheus.NewRegistry()
	opts.Gatherer = promReg

	router := NewRouter(log, h, metrics.New(promReg), opts)
	router.SetupRoutes()
	return router.Handler()
}

func serve(h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.1.1.1:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_Routes(t *testing.T) {
	h := newTestRouter(t, RouterOptions{})

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/api/v1/workflows", http.StatusOK},
		{http.MethodGet, "/api/v1/workflows/not-a-uuid", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/executions", http.StatusOK},
		{http.MethodGet, "/api/v1/stats", http.StatusOK},
		{http.MethodGet, "/api/v1/conditions/operators", http.StatusOK},
		{http.MethodGet, "/api/v1/conditions/presets", http.StatusOK},
		{http.MethodGet, "/api/v1/nope", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/events", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := serve(h, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	h := newTestRouter(t, RouterOptions{})

	serve(h, http.MethodGet, "/api/v1/workflows", nil)

	w := serve(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "http_requests_total"))
	assert.True(t, strings.Contains(body, `path="/api/v1/workflows`))
}

func TestRouter_RateLimitAppliesToAPIOnly(t *testing.T) {
	h := newTestRouter(t, RouterOptions{
		RateLimiter: customMiddleware.NewRateLimiter(1, 1, logger.NewForTesting()),
	})

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/v1/conditions/presets", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, http.MethodGet, "/api/v1/conditions/presets", nil).Code)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/health", nil).Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	h := newTestRouter(t, RouterOptions{AllowedOrigins: []string{"https://app.example.com"}})

	w := serve(h, http.MethodOptions, "/api/v1/workflows", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = serve(h, http.MethodOptions, "/api/v1/workflows", map[string]string{
		"Origin":                        "https://evil.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
