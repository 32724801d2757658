package callcore

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/linklive/callcore/shared"
	"github.com/valyala/fasthttp"
)

// Profile is the peer directory record used to enrich placeholder roster names.
type Profile struct {
	Name     string `json:"name"`
	PhotoURL string `json:"photoUrl"`
}

type ProfileResolver interface {
	Resolve(ctx context.Context, peerID string) (Profile, error)
}

// HTTPProfileResolver fetches profiles from a directory service:
// GET <base>/profiles/<peerID>.
type HTTPProfileResolver struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
}

var _ ProfileResolver = (*HTTPProfileResolver)(nil)

func NewHTTPProfileResolver(logger shared.LoggerAdapter, baseURL string) (*HTTPProfileResolver, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing profile base URL: %w", err)
	}
	return &HTTPProfileResolver{logger: logger, baseURL: parsed}, nil
}

type profileResult struct {
	profile Profile
	err     error
}

func (r *HTTPProfileResolver) Resolve(ctx context.Context, peerID string) (Profile, error) {
	uri := r.baseURL.JoinPath("/profiles", peerID).String()

	// The goroutine owns the pooled request and response for its whole lifetime.
	// When the caller abandons the call on ctx the objects are still recycled
	// here, never while fasthttp may touch them, and the buffered channel lets
	// the goroutine finish without a reader.
	resC := make(chan profileResult, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(uri)
		req.Header.SetMethod(fasthttp.MethodGet)

		if err := fasthttp.Do(req, resp); err != nil {
			resC <- profileResult{err: fmt.Errorf("performing profile request: %w", err)}
			return
		}
		if resp.StatusCode() != fasthttp.StatusOK {
			resC <- profileResult{err: fmt.Errorf("unexpected status code: %d", resp.StatusCode())}
			return
		}
		var profile Profile
		if err := sonic.Unmarshal(resp.Body(), &profile); err != nil {
			resC <- profileResult{err: fmt.Errorf("%w: profile body: %w", shared.ErrInvalidResponse, err)}
			return
		}
		resC <- profileResult{profile: profile}
	}()

	select {
	case <-ctx.Done():
		return Profile{}, ctx.Err()
	case res := <-resC:
		return res.profile, res.err
	}
}
