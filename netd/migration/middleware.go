package migration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/httpadapter"
	"github.com/pvenet/pve-network-go/shared/logger"
)

// Middleware routes an incoming HTTP request to the native handler or the
// remote backend per Config, falling back between the two, and is the Go
// port of the original's MigrationMiddleware.
type Middleware struct {
	config   *Config
	native   NativeHandler
	fallback *MetricsFallbackHandler
}

// NewMiddleware returns a Middleware that routes between native and
// remote per config.
func NewMiddleware(config *Config, native NativeHandler, remote RemoteClient) *Middleware {
	return &Middleware{config: config, native: native, fallback: NewMetricsFallbackHandler(remote)}
}

// Handler mounts the middleware as an http.HandlerFunc, suitable for
// registration on an httpadapter.Router endpoint table; routePattern is
// the mux-style pattern the endpoint was registered under, used as the
// Config lookup key (distinct from the concrete request path, which
// carries resolved path variables instead of "{node}").
func (m *Middleware) Handler(routePattern string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, routePattern)
	}
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, routePattern string) {
	req, err := m.buildRequest(r)
	if err != nil {
		writeError(w, errs.New(errs.KindParse, "invalid request body: %v", err))
		return
	}

	if m.config.LogMigrationDecisions {
		logger.Info("processing request", logger.Ctx{"method": req.Method, "path": routePattern})
	}

	useNative := m.config.ShouldUseNative(routePattern, req.Method)
	fallbackAllowed := m.config.ShouldFallback(routePattern, req.Method)
	timeout := m.config.Timeout(routePattern)

	if m.config.LogMigrationDecisions {
		logger.Debug("routing decision", logger.Ctx{
			"method": req.Method, "path": routePattern, "native": useNative, "fallback": fallbackAllowed,
		})
	}

	var result *Result
	if useNative {
		nativeOp := func(ctx context.Context) (*Response, error) {
			return m.native.HandleRequest(ctx, req)
		}

		result, err = m.fallback.ExecuteWithFallback(r.Context(), req, nativeOp, fallbackAllowed, timeout)
	} else if m.fallback.CheckRemoteHealth(r.Context()) {
		failingOp := func(ctx context.Context) (*Response, error) {
			return nil, errs.New(errs.KindNotFound, "endpoint %s not handled natively in this phase", routePattern)
		}

		result, err = m.fallback.ExecuteWithFallback(r.Context(), req, failingOp, true, timeout)
	} else {
		err = errs.New(errs.KindRemoteAPIError, "remote backend unavailable").WithField("status", http.StatusServiceUnavailable)
	}

	if err != nil {
		if m.config.LogMigrationDecisions {
			logger.Error("request failed", logger.Ctx{"method": req.Method, "path": routePattern, "err": err})
		}

		writeError(w, err)
		return
	}

	if m.config.LogMigrationDecisions {
		logger.Info("request completed", logger.Ctx{
			"method": req.Method, "path": routePattern,
			"used_fallback": result.UsedFallback, "execution_time": result.ExecutionTime,
		})
	}

	writeResult(w, result)
}

func (m *Middleware) buildRequest(r *http.Request) (*Request, error) {
	vars, err := httpadapter.Vars(r)
	if err != nil {
		return nil, err
	}

	query := map[string]string{}
	rawQuery := r.URL.Query()
	for k := range rawQuery {
		query[k] = rawQuery.Get(k)
	}
	for k, v := range vars {
		query[k] = v
	}

	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	var body json.RawMessage
	if r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			body = json.RawMessage(raw)
		}
	}

	return &Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryParams: query,
		Headers:     headers,
		Body:        body,
	}, nil
}

func writeResult(w http.ResponseWriter, result *Result) {
	for k, v := range result.Response.Headers {
		w.Header().Set(k, v)
	}

	w.Header().Set("X-Pve-Migration-Used-Fallback", strconv.FormatBool(result.UsedFallback))
	w.Header().Set("X-Pve-Migration-Execution-Time-Ms", strconv.FormatInt(result.ExecutionTime.Milliseconds(), 10))

	if result.NativeError != "" {
		w.Header().Set("X-Pve-Migration-Native-Error", result.NativeError)
	}

	status := result.Response.Status
	if status == 0 {
		status = http.StatusOK
	}

	w.WriteHeader(status)
	_, _ = w.Write(result.Response.Body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errs.Is(err, errs.KindFallbackDisabled):
		status = http.StatusServiceUnavailable
	case errs.Is(err, errs.KindFallbackTimeout):
		status = http.StatusGatewayTimeout
	case errs.Is(err, errs.KindBothFailed):
		status = http.StatusInternalServerError
	case errs.Is(err, errs.KindRemoteAPIError):
		status = http.StatusServiceUnavailable
	case errs.Is(err, errs.KindParse), errs.Is(err, errs.KindInvalidValue):
		status = http.StatusBadRequest
	case errs.Is(err, errs.KindNotFound):
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	_, _ = w.Write(body)
}

// HealthCheck reports whether the remote backend is currently reachable,
// mirroring the original's health_check.
func (m *Middleware) HealthCheck(ctx context.Context) bool {
	return m.fallback.CheckRemoteHealth(ctx)
}

// GetMetrics returns a snapshot of the middleware's fallback metrics.
func (m *Middleware) GetMetrics() Metrics {
	return m.fallback.GetMetrics()
}
