package migration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/httpadapter"
	"github.com/pvenet/pve-network-go/netd/migration"
)

type stubNativeHandler struct {
	response *migration.Response
	err      error
}

func (s *stubNativeHandler) HandleRequest(ctx context.Context, req *migration.Request) (*migration.Response, error) {
	return s.response, s.err
}

func newTestConfig(path string, nativeMethods ...string) *migration.Config {
	cfg := migration.DefaultConfig()
	cfg.Endpoints = map[string]migration.EndpointConfig{
		path: {UseNative: true, FallbackOnError: true, NativeTimeout: time.Second, NativeMethods: nativeMethods},
	}

	return cfg
}

func TestMiddleware_RoutesToNativeHandlerWhenConfigured(t *testing.T) {
	native := &stubNativeHandler{response: &migration.Response{Status: 200, Body: []byte(`{"native":true}`)}}
	remote := migration.NewFakeRemoteClient()

	cfg := newTestConfig("/nodes/{node}/network", "GET")
	mw := migration.NewMiddleware(cfg, native, remote)

	router := httpadapter.NewRouter()
	router.Handle(http.MethodGet, "/nodes/{node}/network", mw.Handler("/nodes/{node}/network"))

	req := httptest.NewRequest(http.MethodGet, "/nodes/node1/network", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "false", rec.Header().Get("X-Pve-Migration-Used-Fallback"))
	assert.JSONEq(t, `{"native":true}`, rec.Body.String())
	assert.Empty(t, remote.Calls)
}

func TestMiddleware_FallsBackToRemoteOnNativeFailure(t *testing.T) {
	native := &stubNativeHandler{err: errs.New(errs.KindInvalidValue, "bad interface name")}
	remote := migration.NewFakeRemoteClient()
	remote.Responses["/nodes/node1/network"] = &migration.Response{Status: 200, Body: []byte(`{"legacy":true}`)}

	cfg := newTestConfig("/nodes/{node}/network", "GET")
	mw := migration.NewMiddleware(cfg, native, remote)

	router := httpadapter.NewRouter()
	router.Handle(http.MethodGet, "/nodes/{node}/network", mw.Handler("/nodes/{node}/network"))

	req := httptest.NewRequest(http.MethodGet, "/nodes/node1/network", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Pve-Migration-Used-Fallback"))
	assert.Contains(t, rec.Header().Get("X-Pve-Migration-Native-Error"), "bad interface name")
}

func TestMiddleware_RoutesDirectlyToRemoteWhenPhaseExcludesEndpoint(t *testing.T) {
	native := &stubNativeHandler{response: &migration.Response{Status: 200}}
	remote := migration.NewFakeRemoteClient()
	remote.Responses["/sdn/zones/zone1"] = &migration.Response{Status: 200, Body: []byte(`{"legacy":true}`)}

	cfg := migration.DefaultConfig()
	mw := migration.NewMiddleware(cfg, native, remote)

	router := httpadapter.NewRouter()
	router.Handle(http.MethodPost, "/sdn/zones/{zone}", mw.Handler("/sdn/zones/{zone}"))

	req := httptest.NewRequest(http.MethodPost, "/sdn/zones/zone1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"legacy":true}`, rec.Body.String())
}

func TestMiddleware_RemoteUnavailableReturns503(t *testing.T) {
	native := &stubNativeHandler{response: &migration.Response{Status: 200}}
	remote := migration.NewFakeRemoteClient()
	remote.Healthy = false

	cfg := migration.DefaultConfig()
	mw := migration.NewMiddleware(cfg, native, remote)

	router := httpadapter.NewRouter()
	router.Handle(http.MethodGet, "/sdn/zones", mw.Handler("/sdn/zones"))

	req := httptest.NewRequest(http.MethodGet, "/sdn/zones", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddleware_HealthCheckAndMetricsAccessors(t *testing.T) {
	native := &stubNativeHandler{response: &migration.Response{Status: 200}}
	remote := migration.NewFakeRemoteClient()

	cfg := newTestConfig("/nodes/{node}/network", "GET")
	mw := migration.NewMiddleware(cfg, native, remote)

	assert.True(t, mw.HealthCheck(context.Background()))

	router := httpadapter.NewRouter()
	router.Handle(http.MethodGet, "/nodes/{node}/network", mw.Handler("/nodes/{node}/network"))

	req := httptest.NewRequest(http.MethodGet, "/nodes/node1/network", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.EqualValues(t, 1, mw.GetMetrics().TotalRequests)
}
