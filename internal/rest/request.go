package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/luciancaetano/screepsnet"
	"github.com/luciancaetano/screepsnet/internal/ratelimit"
)

const (
	maxBodySize  = 32 * 1024 * 1024
	maxErrorBody = 512
	throttleBase = 100 * time.Millisecond
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Params are request parameters: the query string of a GET, the JSON body of a
// POST.
type Params map[string]any

// Do issues a request and decodes the JSON reply into out. out may be nil, or a
// *[]byte to receive the raw body.
//
// A 401 on a private server triggers one sign-in and retry. A 429 without quota
// headers is retried with exponential backoff.
func (c *Client) Do(ctx context.Context, method, path string, params any, out any) error {
	return c.do(ctx, method, path, params, out, true)
}

func (c *Client) do(ctx context.Context, method, path string, params any, out any, reauth bool) error {
	throttled := 0
	for {
		resp, body, err := c.roundTrip(ctx, method, path, params)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if reauth && c.reauthAllowed() {
				reauth = false
				c.log.Info("http.reauth", slog.String("method", method), slog.String("path", path))
				if _, err := c.SignIn(ctx); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("%w: %w", screepsnet.ErrNotAuthorized, httpError(method, path, resp, body))

		case resp.StatusCode == http.StatusTooManyRequests:
			if resp.Header.Get(screepsnet.HeaderRateLimitLimit) != "" {
				rec := c.tracker.Lookup(method, path)
				return fmt.Errorf("%w: %s %s, resets in %ds", screepsnet.ErrRateLimited, method, path, rec.SecondsUntilReset(c.now()))
			}
			throttled++
			if throttled >= c.cfg.MaxThrottleRetries {
				return fmt.Errorf("%w (%d): %s %s", screepsnet.ErrRetryLimit, c.cfg.MaxThrottleRetries, method, path)
			}
			delay := throttleDelay(throttled, c.cfg.MaxThrottleDelay)
			c.log.Warn("http.throttled",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("attempt", throttled),
				slog.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			continue

		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return httpError(method, path, resp, body)
		}

		return decodeBody(method, path, resp, body, out)
	}
}

// throttleDelay returns min(max, 100ms * 2^n).
func throttleDelay(n int, max time.Duration) time.Duration {
	if n >= 30 || throttleBase > max>>uint(n) {
		return max
	}
	return throttleBase << uint(n)
}

func httpError(method, path string, resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return &screepsnet.HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: msg}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, params any) (*http.Response, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	req, err := c.newRequest(ctx, method, path, params)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	c.log.Debug("http.request", slog.String("method", method), slog.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %s: %v", screepsnet.ErrConnection, method, path, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %s: read body: %v", screepsnet.ErrConnection, method, path, err)
	}

	c.observe(method, path, resp, time.Since(start))
	return resp, body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, params any) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + path
	u.RawQuery = ""
	u.Fragment = ""

	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		q, err := encodeQuery(params)
		if err != nil {
			return nil, err
		}
		u.RawQuery = q
	} else {
		if params == nil {
			params = Params{}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if token := c.Token(); token != "" {
		req.Header.Set(screepsnet.HeaderToken, token)
		req.Header.Set(screepsnet.HeaderUsername, token)
	}
	return req, nil
}

func encodeQuery(params any) (string, error) {
	switch p := params.(type) {
	case nil:
		return "", nil
	case url.Values:
		return p.Encode(), nil
	case Params:
		return encodeMap(p), nil
	case map[string]any:
		return encodeMap(p), nil
	case map[string]string:
		v := url.Values{}
		for k, s := range p {
			v.Set(k, s)
		}
		return v.Encode(), nil
	}
	return "", fmt.Errorf("unsupported query parameters %T", params)
}

func encodeMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	v := url.Values{}
	for _, k := range keys {
		switch val := m[k].(type) {
		case nil:
		case []string:
			for _, s := range val {
				v.Add(k, s)
			}
		default:
			v.Set(k, fmt.Sprint(val))
		}
	}
	return v.Encode()
}

// readBody reads the response, decoding gzip and deflate encodings.
func readBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("body exceeds maximum %d bytes", maxBodySize)
	}
	return body, nil
}

// observe applies token rotation and quota headers, and notifies listeners.
func (c *Client) observe(method, path string, resp *http.Response, took time.Duration) {
	if token := resp.Header.Get(screepsnet.HeaderToken); token != "" {
		c.SetToken(token)
	}

	if rec, ok := c.tracker.UpdateFromHeaders(method, path, resp.Header); ok {
		c.rateLimitEvents.Emit(rateLimitKey, RateLimitEvent{
			Method: method,
			Path:   path,
			Class:  ratelimit.Classify(method, path),
			Record: rec,
		})
	}

	c.log.Debug("http.response",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", took))

	c.responseEvents.Emit(responseKey, ResponseEvent{
		Method:   method,
		Path:     path,
		Status:   resp.StatusCode,
		Duration: took,
		Header:   resp.Header,
	})
}

func isJSON(mt contenttype.MediaType) bool {
	return mt.Matches(jsonMediaType) || strings.HasSuffix(mt.Subtype, "+json")
}

// decodeBody turns a reply carrying {"error": ...} into an APIError and
// unmarshals everything else into out.
func decodeBody(method, path string, resp *http.Response, body []byte, out any) error {
	if ct := resp.Header.Get("Content-Type"); ct != "" && len(body) > 0 {
		mt := contenttype.NewMediaType(ct)
		if mt.Type != "" && !isJSON(mt) && !(mt.Type == "text" && mt.Subtype == "plain") {
			return fmt.Errorf("%w: %s %s: unexpected content type %q", screepsnet.ErrDecode, method, path, ct)
		}
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Error any `json:"error"`
		}
		if json.Unmarshal(trimmed, &envelope) == nil && envelope.Error != nil && envelope.Error != "" {
			return &screepsnet.APIError{Method: method, Path: path, Message: fmt.Sprint(envelope.Error)}
		}
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = body
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", screepsnet.ErrDecode, method, path, err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 reply.
func IsNotFound(err error) bool {
	var httpErr *screepsnet.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}
