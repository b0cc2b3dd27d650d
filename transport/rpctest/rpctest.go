// Package rpctest provides a fake JSON-RPC 2.0 node for client tests.
package rpctest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Handler answers one call. A non-nil Error becomes the error member.
// Object params are passed as a one element slice.
type Handler func(params []json.RawMessage) (interface{}, *Error)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type message struct {
	Id     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// params splits positional params. Object params arrive as a single
// element.
func (m message) params() []json.RawMessage {
	var list []json.RawMessage
	if err := json.Unmarshal(m.Params, &list); err == nil {
		return list
	}
	if len(m.Params) == 0 {
		return nil
	}
	return []json.RawMessage{m.Params}
}

// Node answers singles and batches from a method table and counts calls
// per method.
type Node struct {
	mu      sync.Mutex
	methods map[string]Handler
	hits    map[string]int
}

func NewNode(methods map[string]Handler) *Node {
	return &Node{methods: methods, hits: map[string]int{}}
}

// Serve starts n on a test server closed with t and returns its URL.
func (n *Node) Serve(t testing.TB) string {
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)
	return srv.URL
}

// Handle replaces or adds a method.
func (n *Node) Handle(method string, h Handler) {
	n.mu.Lock()
	n.methods[method] = h
	n.mu.Unlock()
}

func (n *Node) Count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits[method]
}

func (n *Node) answer(req message) map[string]interface{} {
	n.mu.Lock()
	n.hits[req.Method]++
	h := n.methods[req.Method]
	n.mu.Unlock()
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.Id}
	if h == nil {
		resp["error"] = Error{Code: -32601, Message: "method not found"}
		return resp
	}
	result, err := h(req.params())
	if err != nil {
		resp["error"] = err
	} else {
		resp["result"] = result
	}
	return resp
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		var reqs []message
		_ = json.Unmarshal(body, &reqs)
		out := make([]map[string]interface{}, len(reqs))
		for i, req := range reqs {
			out[i] = n.answer(req)
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}
	var req message
	_ = json.Unmarshal(body, &req)
	_ = json.NewEncoder(w).Encode(n.answer(req))
}

// Result is a Handler returning v.
func Result(v interface{}) Handler {
	return func([]json.RawMessage) (interface{}, *Error) { return v, nil }
}

// String decodes params[i] as a string, or "" when absent.
func String(params []json.RawMessage, i int) string {
	var s string
	if i < len(params) {
		_ = json.Unmarshal(params[i], &s)
	}
	return s
}

// Decode unmarshals params[i] into out.
func Decode(params []json.RawMessage, i int, out interface{}) {
	if i < len(params) {
		_ = json.Unmarshal(params[i], out)
	}
}
