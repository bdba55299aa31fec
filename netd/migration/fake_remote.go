package migration

import (
	"context"
	"sync"

	"github.com/pvenet/pve-network-go/netd/errs"
)

// FakeRemoteClient is a deterministic, in-memory RemoteClient used by
// tests: it records every call and returns a canned Response or error per
// path.
type FakeRemoteClient struct {
	mu        sync.Mutex
	Responses map[string]*Response
	Errors    map[string]error
	Healthy   bool
	Calls     []string
}

// NewFakeRemoteClient returns a FakeRemoteClient that reports healthy and
// has no configured responses.
func NewFakeRemoteClient() *FakeRemoteClient {
	return &FakeRemoteClient{
		Responses: map[string]*Response{},
		Errors:    map[string]error{},
		Healthy:   true,
	}
}

func (c *FakeRemoteClient) Call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, req.Method+" "+req.Path)
	c.mu.Unlock()

	if err, ok := c.Errors[req.Path]; ok {
		return nil, err
	}

	if resp, ok := c.Responses[req.Path]; ok {
		return resp, nil
	}

	return &Response{Status: 200, Body: []byte(`{}`)}, nil
}

func (c *FakeRemoteClient) HealthCheck(ctx context.Context) (bool, error) {
	if !c.Healthy {
		return false, errs.New(errs.KindRemoteTransport, "remote backend unreachable")
	}

	return true, nil
}
