// Package pipeline executes every outbound API call for the dashboard:
// it attaches the session's access token, classifies failures, retries the
// retryable ones with exponential backoff, and funnels credential rejections
// into the session's single teardown path.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/perkhub/go-admin-client/apierrors"
	"github.com/perkhub/go-admin-client/session"
)

const (
	defaultMaxRetries       = 2
	defaultBaseDelay        = 300 * time.Millisecond
	defaultTransportTimeout = 30 * time.Second
	requestIDHeader         = "X-Request-ID"
)

// Request describes one outbound API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any // marshalled to JSON when non-nil
	Header http.Header

	// ForceIdempotent marks a mutating endpoint the server documents as
	// safe to repeat, opting it into the retry policy of safe verbs.
	ForceIdempotent bool
}

// Response is a settled successful call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(r.Body, out), "[Response.Decode] decoding response body")
}

// Pipeline is the authenticated request executor. Safe for concurrent use;
// a retrying request delays only itself.
type Pipeline struct {
	session    *session.Lifecycle
	httpClient *http.Client
	baseURL    string
	maxRetries int
	baseDelay  time.Duration
	log        zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient sets the transport used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) {
		p.httpClient = c
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithMaxRetries overrides the retry budget (retries, not total attempts).
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) {
		p.maxRetries = n
	}
}

// WithBaseDelay overrides the base backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		p.baseDelay = d
	}
}

// WithSleepFunc replaces the backoff wait (primarily for testing).
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) {
		p.sleep = sleep
	}
}

// New creates a Pipeline over the given session and API base URL.
func New(sess *session.Lifecycle, baseURL string, options ...Option) (*Pipeline, error) {
	if sess == nil {
		return nil, errors.New("[pipeline.New] session is required")
	}
	if baseURL == "" {
		return nil, errors.New("[pipeline.New] baseURL is required")
	}

	p := &Pipeline{
		session:    sess,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		log:        zerolog.Nop(),
		sleep:      sleepContext,
	}
	for _, opt := range options {
		opt(p)
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: defaultTransportTimeout}
	}
	return p, nil
}

// Execute runs the request through the authenticated pipeline. Errors are
// always *apierrors.ClassifiedError (possibly wrapping session sentinels).
// The caller's ctx bounds the whole attempt sequence, backoff waits included.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Response, error) {
	idempotent := req.ForceIdempotent || idempotentVerb(req.Method)
	requestID := uuid.NewString()
	log := p.log.With().Str("requestID", requestID).Str("method", req.Method).Str("path", req.Path).Logger()

	body, err := marshalBody(req.Body)
	if err != nil {
		return nil, &apierrors.ClassifiedError{
			Category: apierrors.CategoryUnknown,
			Message:  "request body could not be encoded",
		}
	}

	var lastErr *apierrors.ClassifiedError
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoffDelay(attempt-1, lastErr.Category)
			log.Debug().Int("attempt", attempt).Dur("delay", delay).
				Str("category", string(lastErr.Category)).Msg("retrying request")
			if err := p.sleep(ctx, delay); err != nil {
				return nil, apierrors.Classify(0, nil, err)
			}
		}

		cred, err := p.session.EnsureFresh(ctx)
		if err != nil {
			ce, terminal := p.classifySessionFailure(err)
			if terminal || !ce.Retryable || attempt == p.maxRetries {
				return nil, ce
			}
			lastErr = ce
			continue
		}

		resp, reached, ce := p.attempt(ctx, req, body, cred.AccessToken, requestID)
		if ce == nil {
			return resp, nil
		}

		if ce.ForcesLogout {
			// The server no longer honours the access token. One teardown
			// per session, no matter how many requests fail at once.
			p.session.Terminate(session.ErrSessionDead)
			return nil, ce
		}

		if !p.shouldRetry(ce, idempotent, reached, attempt) {
			if ce.Retryable && attempt == p.maxRetries {
				log.Warn().Int("attempts", attempt+1).Str("category", string(ce.Category)).
					Msg("retry budget exhausted")
			}
			return nil, ce
		}
		lastErr = ce
	}

	return nil, lastErr
}

// attempt performs one transport round trip. reached reports whether any
// response came back from the server, which gates retries of mutations.
func (p *Pipeline) attempt(ctx context.Context, req Request, body []byte, accessToken, requestID string) (*Response, bool, *apierrors.ClassifiedError) {
	httpReq, err := p.buildRequest(ctx, req, body, accessToken, requestID)
	if err != nil {
		return nil, false, &apierrors.ClassifiedError{
			Category: apierrors.CategoryUnknown,
			Message:  "request could not be constructed",
		}
	}

	httpResp, doErr := p.httpClient.Do(httpReq)
	if doErr != nil {
		return nil, false, apierrors.Classify(0, nil, doErr)
	}
	defer httpResp.Body.Close()

	respBody, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		return nil, true, apierrors.Classify(0, nil, readErr)
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		return &Response{
			Status: httpResp.StatusCode,
			Header: httpResp.Header,
			Body:   respBody,
		}, true, nil
	}

	return nil, true, apierrors.Classify(httpResp.StatusCode, respBody, nil)
}

func (p *Pipeline) buildRequest(ctx context.Context, req Request, body []byte, accessToken, requestID string) (*http.Request, error) {
	u := p.baseURL + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set(requestIDHeader, requestID)
	return httpReq, nil
}

// classifySessionFailure converts an EnsureFresh error into a classified
// error. terminal means the session is gone and retrying is pointless.
func (p *Pipeline) classifySessionFailure(err error) (*apierrors.ClassifiedError, bool) {
	if errors.Is(err, session.ErrRefreshFailed) || errors.Is(err, session.ErrSessionDead) {
		// Teardown already happened inside the lifecycle, exactly once.
		return &apierrors.ClassifiedError{
			Category:     apierrors.CategoryAuth,
			Message:      "your session has expired, please sign in again",
			ForcesLogout: true,
		}, true
	}
	if errors.Is(err, session.ErrNotAuthenticated) {
		return &apierrors.ClassifiedError{
			Category: apierrors.CategoryAuth,
			Message:  "sign in to continue",
		}, true
	}

	// Transient refresh failures carry the classification of the refresh
	// call itself and stay retryable through the normal budget.
	var ce *apierrors.ClassifiedError
	if errors.As(err, &ce) {
		return ce, false
	}
	return &apierrors.ClassifiedError{
		Category: apierrors.CategoryUnknown,
		Message:  err.Error(),
	}, true
}

// shouldRetry applies the retry policy: a bounded budget, never a mutation
// the server may have applied, and only for categories that signal a
// transient condition.
func (p *Pipeline) shouldRetry(ce *apierrors.ClassifiedError, idempotent, reachedServer bool, attempt int) bool {
	if attempt >= p.maxRetries {
		return false
	}
	if !ce.Retryable {
		return false
	}
	if !idempotent && reachedServer {
		// A response was received, so the mutation may have been applied;
		// repeating it risks a duplicate effect.
		return false
	}
	switch ce.Category {
	case apierrors.CategoryNetwork, apierrors.CategoryRateLimit, apierrors.CategoryServer:
		return true
	default:
		return false
	}
}

// backoffDelay computes the wait before the retry following the given
// 0-based attempt. Rate limiting backs off one power harder to respect the
// server's backpressure signal.
func (p *Pipeline) backoffDelay(attempt int, category apierrors.Category) time.Duration {
	shift := uint(attempt)
	if category == apierrors.CategoryRateLimit {
		shift++
	}
	return p.baseDelay << shift
}

func idempotentVerb(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func marshalBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	return json.Marshal(body)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
