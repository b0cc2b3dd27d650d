package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
)

const DefaultTimeout = 10 * time.Second

// Call is one JSON-RPC invocation. Params may be a positional slice or, for
// nodes such as NEAR, an object.
type Call struct {
	Method string
	Params interface{}
}

type rpcRequest struct {
	JsonRpc string      `json:"jsonrpc"`
	Id      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Id     *int                  `json:"id"`
	Result json.RawMessage       `json:"result"`
	Error  *JsonRpcResponseError `json:"error"`
}

type JsonRpcClient struct {
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

type Option func(*options)

type options struct {
	headers map[string]string
	timeout time.Duration
	client  *http.Client
}

func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func buildOptions(opts []Option) options {
	o := options{timeout: DefaultTimeout, client: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewJsonRpcClient(url string, opts ...Option) *JsonRpcClient {
	o := buildOptions(opts)
	return &JsonRpcClient{url: url, headers: o.headers, timeout: o.timeout, client: o.client}
}

func (c *JsonRpcClient) URL() string {
	return c.url
}

// Call performs a single JSON-RPC request and decodes its result into out.
// A null result decodes as the zero value; a missing result member is a
// protocol error.
func (c *JsonRpcClient) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	return c.CallWith(ctx, out, Call{Method: method, Params: positional(params)})
}

// CallWith is Call with explicit params, used for object-style parameters.
func (c *JsonRpcClient) CallWith(ctx context.Context, out interface{}, call Call) (err error) {
	start := time.Now()
	defer func() { observe("jsonrpc", call.Method, start, err) }()

	req := rpcRequest{JsonRpc: "2.0", Id: 0, Method: call.Method, Params: normalizeParams(call.Params)}
	body, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &RpcProtocolError{Reason: fmt.Sprintf("decode %s response: %v", call.Method, err)}
	}
	if resp.Error != nil {
		resp.Error.Method = call.Method
		return resp.Error
	}
	if resp.Result == nil {
		return &RpcProtocolError{Reason: fmt.Sprintf("%s response has no result", call.Method)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return errors.Wrapf(err, "decode %s result", call.Method)
	}
	return nil
}

// BatchCall sends calls as one JSON-RPC array. The reply must carry exactly
// one response per call, correlated by positional id; any mismatch or any
// per-call error fails the whole batch.
func (c *JsonRpcClient) BatchCall(ctx context.Context, calls []Call) ([]json.RawMessage, error) {
	results, errs, err := c.batch(ctx, calls)
	if err != nil {
		return nil, err
	}
	for _, e := range errs {
		if e != nil {
			return nil, e
		}
	}
	return results, nil
}

// BatchCallLenient is BatchCall where a call answered with an error member
// yields a nil slot instead of failing the batch. Envelope problems are
// still fatal.
func (c *JsonRpcClient) BatchCallLenient(ctx context.Context, calls []Call) ([]json.RawMessage, error) {
	results, errs, err := c.batch(ctx, calls)
	if err != nil {
		return nil, err
	}
	for i, e := range errs {
		if e != nil {
			log.Debug("batch slot failed", "url", c.url, "index", i, "err", e)
			results[i] = nil
		}
	}
	return results, nil
}

func (c *JsonRpcClient) batch(ctx context.Context, calls []Call) (results []json.RawMessage, errs []error, err error) {
	if len(calls) == 0 {
		return []json.RawMessage{}, nil, nil
	}
	start := time.Now()
	defer func() { observe("jsonrpc", "batch:"+calls[0].Method, start, err) }()

	reqs := make([]rpcRequest, len(calls))
	for i, call := range calls {
		reqs[i] = rpcRequest{JsonRpc: "2.0", Id: i, Method: call.Method, Params: normalizeParams(call.Params)}
	}
	body, err := c.post(ctx, reqs)
	if err != nil {
		return nil, nil, err
	}
	var resps []rpcResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, nil, &RpcProtocolError{Reason: fmt.Sprintf("decode batch response: %v", err)}
	}
	if len(resps) != len(calls) {
		return nil, nil, &RpcProtocolError{Reason: fmt.Sprintf("batch of %d calls got %d responses", len(calls), len(resps))}
	}
	results = make([]json.RawMessage, len(calls))
	errs = make([]error, len(calls))
	seen := make([]bool, len(calls))
	for _, resp := range resps {
		if resp.Id == nil || *resp.Id < 0 || *resp.Id >= len(calls) || seen[*resp.Id] {
			return nil, nil, &RpcProtocolError{Reason: "batch response with unknown or duplicate id"}
		}
		id := *resp.Id
		seen[id] = true
		switch {
		case resp.Error != nil:
			resp.Error.Method = calls[id].Method
			errs[id] = resp.Error
		case resp.Result == nil:
			errs[id] = &RpcProtocolError{Reason: fmt.Sprintf("%s response has no result", calls[id].Method)}
		default:
			results[id] = resp.Result
		}
	}
	return results, errs, nil
}

func (c *JsonRpcClient) post(ctx context.Context, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode rpc request")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "new rpc request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug("rpc request failed", "url", c.url, "err", err)
		return nil, errors.Wrapf(err, "post %s", c.url)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", c.url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ResponseError{URL: c.url, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func positional(params []interface{}) interface{} {
	if params == nil {
		return []interface{}{}
	}
	return params
}

func normalizeParams(p interface{}) interface{} {
	if p == nil {
		return []interface{}{}
	}
	return p
}
