package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pvenet/pve-network-go/netd/errs"
)

// RemoteClient calls out to the legacy remote backend this module is
// gradually replacing, the Go analogue of the original's PerlApiClient.
type RemoteClient interface {
	Call(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) (bool, error)
}

// httpRemoteClient implements RemoteClient over plain net/http: no
// corpus dependency covers this narrow "forward a request to a sibling
// HTTP service" role any better than the standard library's own client.
type httpRemoteClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRemoteClient returns a RemoteClient that forwards requests to
// baseURL with the given per-call timeout.
func NewHTTPRemoteClient(baseURL string, timeout time.Duration) RemoteClient {
	return &httpRemoteClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *httpRemoteClient) Call(ctx context.Context, req *Request) (*Response, error) {
	target, err := url.Parse(c.baseURL + req.Path)
	if err != nil {
		return nil, errs.Wrap(errs.KindRemoteTransport, err, "building remote request URL")
	}

	query := target.Query()
	for k, v := range req.QueryParams {
		query.Set(k, v)
	}
	target.RawQuery = query.Encode()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, errs.Wrap(errs.KindRemoteTransport, err, "building remote request")
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindRemoteTransport, err, "calling remote backend %s %s", req.Method, req.Path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindRemoteTransport, err, "reading remote response body")
	}

	if resp.StatusCode >= 400 {
		return nil, errs.New(errs.KindRemoteAPIError, "remote backend returned %d for %s %s", resp.StatusCode, req.Method, req.Path).
			WithField("status", resp.StatusCode)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{Status: resp.StatusCode, Headers: headers, Body: json.RawMessage(respBody)}, nil
}

func (c *httpRemoteClient) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, errs.Wrap(errs.KindRemoteTransport, err, "building remote health check request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, errs.Wrap(errs.KindRemoteTransport, err, "calling remote health check")
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}
