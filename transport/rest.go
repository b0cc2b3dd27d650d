package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
)

// RestClient talks to one or more mirrored REST backends. On a transient
// failure it moves to the next backend in round-robin order starting from
// the last one that answered; 4xx answers are returned without rotating.
type RestClient struct {
	urls    []string
	headers map[string]string
	timeout time.Duration
	client  *http.Client

	mu      sync.Mutex
	current int
}

func NewRestClient(urls []string, opts ...Option) (*RestClient, error) {
	if len(urls) == 0 {
		return nil, errors.New("rest client needs at least one url")
	}
	o := buildOptions(opts)
	trimmed := make([]string, len(urls))
	for i, u := range urls {
		trimmed[i] = strings.TrimRight(u, "/")
	}
	return &RestClient{urls: trimmed, headers: o.headers, timeout: o.timeout, client: o.client}, nil
}

func (c *RestClient) URLs() []string {
	return c.urls
}

func (c *RestClient) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *RestClient) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

// Do issues the request against the backends in rotation order. body may be
// nil, a []byte or string sent as text, Binary, or any value encoded as
// JSON.
func (c *RestClient) Do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() { observe("rest", method+" "+metricPath(path), start, err) }()

	payload, contentType, err := encodeBody(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	first := c.current
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < len(c.urls); attempt++ {
		idx := (first + attempt) % len(c.urls)
		raw, err := c.once(ctx, c.urls[idx], method, path, query, payload, contentType)
		if err == nil {
			c.mu.Lock()
			c.current = idx
			c.mu.Unlock()
			if out == nil {
				return nil
			}
			if s, ok := out.(*[]byte); ok {
				*s = raw
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return errors.Wrapf(err, "decode %s %s", method, path)
			}
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if len(c.urls) > 1 {
			log.Warn("rest backend failed, rotating", "url", c.urls[idx], "path", path, "err", err)
		}
	}
	return lastErr
}

func (c *RestClient) once(ctx context.Context, base, method, path string, query url.Values, payload []byte, contentType string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, "new rest request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", target)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ResponseError{URL: target, Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// IsTransient reports whether err is worth retrying on another backend:
// network failures, timeouts and 5xx answers.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.Status >= 500 || respErr.Status == http.StatusTooManyRequests
	}
	var rpcErr *JsonRpcResponseError
	if errors.As(err, &rpcErr) {
		return false
	}
	var protoErr *RpcProtocolError
	return !errors.As(err, &protoErr)
}

// Binary is a request body sent as application/x-binary.
type Binary []byte

func encodeBody(body interface{}) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case Binary:
		return b, "application/x-binary", nil
	case []byte:
		return b, "text/plain", nil
	case string:
		return []byte(b), "text/plain", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", errors.Wrap(err, "encode rest body")
		}
		return data, "application/json", nil
	}
}

// metricPath keeps label cardinality bounded by dropping path parameters.
func metricPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
