package migration

import (
	"context"
	"time"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/shared/logger"
)

// Result is the outcome of a fallback-capable dispatch: which path
// answered, how long it took, and the native error if one was swallowed
// by a successful fallback.
type Result struct {
	Response      *Response
	UsedFallback  bool
	NativeError   string
	ExecutionTime time.Duration
}

// FallbackHandler dispatches a request to the native operation first,
// falling back to the remote backend on native failure or timeout when
// permitted.
type FallbackHandler interface {
	ExecuteWithFallback(ctx context.Context, req *Request, nativeOp func(context.Context) (*Response, error), fallbackEnabled bool, timeout time.Duration) (*Result, error)
	CheckRemoteHealth(ctx context.Context) bool
}

// DefaultFallbackHandler is a direct Go port of the original's
// DefaultFallbackHandler: try the native operation under a deadline, and
// on failure or timeout call out to the remote backend if allowed.
type DefaultFallbackHandler struct {
	remote RemoteClient
}

// NewDefaultFallbackHandler returns a DefaultFallbackHandler backed by
// remote.
func NewDefaultFallbackHandler(remote RemoteClient) *DefaultFallbackHandler {
	return &DefaultFallbackHandler{remote: remote}
}

func (h *DefaultFallbackHandler) ExecuteWithFallback(
	ctx context.Context,
	req *Request,
	nativeOp func(context.Context) (*Response, error),
	fallbackEnabled bool,
	timeout time.Duration,
) (*Result, error) {
	start := time.Now()

	logger.Debug("attempting native implementation", logger.Ctx{"method": req.Method, "path": req.Path})

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *Response
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		resp, err := nativeOp(opCtx)
		done <- outcome{resp, err}
	}()

	var nativeErr error
	select {
	case out := <-done:
		if out.err == nil {
			logger.Debug("native implementation succeeded", logger.Ctx{"method": req.Method, "path": req.Path})
			return &Result{Response: out.resp, UsedFallback: false, ExecutionTime: time.Since(start)}, nil
		}
		nativeErr = out.err
	case <-opCtx.Done():
		nativeErr = errs.New(errs.KindFallbackTimeout, "native implementation timed out for %s %s", req.Method, req.Path)
	}

	logger.Warn("native implementation failed", logger.Ctx{"method": req.Method, "path": req.Path, "err": nativeErr})

	if !fallbackEnabled {
		return nil, errs.Wrap(errs.KindFallbackDisabled, nativeErr, "fallback disabled for %s %s", req.Method, req.Path)
	}

	logger.Info("falling back to remote backend", logger.Ctx{"method": req.Method, "path": req.Path})

	resp, err := h.remote.Call(ctx, req)
	if err != nil {
		logger.Error("both native and remote implementations failed", logger.Ctx{
			"method": req.Method, "path": req.Path, "native_err": nativeErr, "remote_err": err,
		})

		return nil, errs.New(errs.KindBothFailed, "native error: %v; remote error: %v", nativeErr, err).
			WithField("native_error", nativeErr.Error()).WithField("remote_error", err.Error())
	}

	logger.Info("remote fallback succeeded", logger.Ctx{"method": req.Method, "path": req.Path})

	return &Result{
		Response:      resp,
		UsedFallback:  true,
		NativeError:   nativeErr.Error(),
		ExecutionTime: time.Since(start),
	}, nil
}

func (h *DefaultFallbackHandler) CheckRemoteHealth(ctx context.Context) bool {
	healthy, err := h.remote.HealthCheck(ctx)
	if err != nil {
		logger.Warn("remote health check failed", logger.Ctx{"err": err})
		return false
	}

	return healthy
}
