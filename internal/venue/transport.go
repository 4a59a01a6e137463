// Package venue implements the daemon's boundary with the options exchange:
// a signed, retrying HTTP transport, the order/RFQ/account endpoint
// wrappers, and a TTL-cached market-data source. Every monetary value that
// crosses this boundary is parsed into decimal.Decimal before the rest of
// the daemon ever sees it.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Response is the venue's uniform envelope: code is zero on success, msg
// carries the venue's error text on failure, data is the operation-specific
// payload.
type Response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Succeeded reports whether the venue accepted the request.
func (r *Response) Succeeded() bool {
	return r.Code == 0
}

// Transport is the injected boundary every venue call goes through. It
// signs, retries transient failures, and parses the envelope; it never
// interprets Data — callers unmarshal that themselves per endpoint.
type Transport interface {
	Do(ctx context.Context, method, path string, jsonBody any, formBody url.Values) (*Response, error)
}

const (
	requestTimeout  = 30 * time.Second
	maxAttempts     = 3
	baseBackoff     = 1 * time.Second
	backoffJitterPc = 0.10
)

// RESTTransport is the resty-backed Transport implementation. It retries
// only transient transport failures (connection reset, timeout, DNS) —
// resty reports those as a non-nil err; a 4xx/5xx HTTP response is returned
// with err == nil and is never retried here, matching the documented
// contract that venue-side rejections surface to the caller immediately.
type RESTTransport struct {
	http   *resty.Client
	signer *Signer
	logger *slog.Logger
}

// NewRESTTransport builds a transport against baseURL, signing every
// request with creds.
func NewRESTTransport(baseURL string, creds Credentials, logger *slog.Logger) *RESTTransport {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout)

	return &RESTTransport{
		http:   httpClient,
		signer: NewSigner(creds),
		logger: logger,
	}
}

// Do issues one request, making up to maxAttempts attempts on transient
// transport errors only, with exponential backoff between them (1s, then
// 2s, ±10% jitter).
func (t *RESTTransport) Do(ctx context.Context, method, path string, jsonBody any, formBody url.Values) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := t.attempt(ctx, method, path, jsonBody, formBody)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		t.logger.Warn("venue request transient failure, retrying",
			"method", method, "path", path, "attempt", attempt, "error", err)
		time.Sleep(jitteredBackoff(attempt))
	}
	return nil, fmt.Errorf("venue request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (t *RESTTransport) attempt(ctx context.Context, method, path string, jsonBody any, formBody url.Values) (*Response, error) {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())

	var bodyStr string
	if jsonBody != nil {
		b, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, err
		}
		bodyStr = string(b)
	}

	headers, err := t.signer.Headers(timestamp, method, path, bodyStr)
	if err != nil {
		return nil, err
	}

	req := t.http.R().SetContext(ctx).SetHeaders(headers)

	var httpResp *resty.Response
	var doErr error
	switch {
	case len(formBody) > 0:
		req.SetHeader("Content-Type", "application/x-www-form-urlencoded")
		req.SetBody(formBody.Encode())
		httpResp, doErr = req.Execute(method, path)
	case jsonBody != nil:
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(jsonBody)
		httpResp, doErr = req.Execute(method, path)
	default:
		httpResp, doErr = req.Execute(method, path)
	}
	if doErr != nil {
		return nil, doErr
	}

	var parsed Response
	if err := json.Unmarshal(httpResp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("parse venue response (status %d): %w", httpResp.StatusCode(), err)
	}
	return &parsed, nil
}

func jitteredBackoff(attempt int) time.Duration {
	base := baseBackoff << (attempt - 1) // 1s, 2s, 4s
	jitter := (rand.Float64()*2 - 1) * backoffJitterPc
	return time.Duration(float64(base) * (1 + jitter))
}

// buildQuery joins query parameters into a "?k=v&..." suffix, empty string
// if params is empty.
func buildQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// isNotFound is a small helper used by callers that treat a 404-shaped
// venue error message as "no data yet" rather than a hard failure.
func isNotFound(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "not found")
}
