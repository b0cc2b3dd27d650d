package transport

import (
	"encoding/json"
	"fmt"
)

// ResponseError is a non-2xx HTTP answer. Body is kept verbatim so chain
// clients can inspect node specific error payloads.
type ResponseError struct {
	URL    string
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("http %d from %s: %s", e.Status, e.URL, truncate(e.Body, 256))
}

// JsonRpcResponseError is an "error" member returned for one JSON-RPC call.
type JsonRpcResponseError struct {
	Method  string
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JsonRpcResponseError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc %s error %d: %s (%s)", e.Method, e.Code, e.Message, truncate(string(e.Data), 256))
	}
	return fmt.Sprintf("rpc %s error %d: %s", e.Method, e.Code, e.Message)
}

// RpcProtocolError reports a malformed JSON-RPC envelope: missing result,
// unknown ids or a batch reply whose length does not match the request.
type RpcProtocolError struct {
	Reason string
}

func (e *RpcProtocolError) Error() string {
	return "rpc protocol error: " + e.Reason
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
