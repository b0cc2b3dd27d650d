package chain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/pkg/errors"

	"github.com/dapplink-baas/wallet-chain-provider/transport"
)

type (
	ResponseError        = transport.ResponseError
	JsonRpcResponseError = transport.JsonRpcResponseError
	RpcProtocolError     = transport.RpcProtocolError
)

type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.What
}

func NewNotFoundError(format string, args ...interface{}) error {
	return &NotFoundError{What: fmt.Sprintf(format, args...)}
}

type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Msg
}

// Check returns a PreconditionError when cond is false.
func Check(cond bool, format string, args ...interface{}) error {
	if cond {
		return nil
	}
	return &PreconditionError{Msg: fmt.Sprintf(format, args...)}
}

// CheckIsDefined fails for nil values, including typed nil pointers, maps and
// slices, and for empty strings.
func CheckIsDefined(v interface{}, name string) error {
	if isUndefined(v) {
		return &PreconditionError{Msg: name + " should be defined"}
	}
	return nil
}

func isUndefined(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func:
		return rv.IsNil()
	}
	return false
}

type HardwareError struct {
	Payload json.RawMessage
}

func (e *HardwareError) Error() string {
	return "hardware error: " + string(e.Payload)
}

type NotImplementedError struct {
	Op string
}

func (e *NotImplementedError) Error() string {
	return e.Op + " is not implemented"
}

func NotImplemented(op string) error {
	return &NotImplementedError{Op: op}
}

type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNotFound
	KindProtocol
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindProtocol:
		return "protocol"
	default:
		return "transient"
	}
}

// QueryErrorKind classifies a client error so callers branch on kind
// instead of inspecting messages.
func QueryErrorKind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.Status == http.StatusNotFound:
			return KindNotFound
		case respErr.Status >= 500 || respErr.Status == http.StatusTooManyRequests:
			return KindTransient
		default:
			return KindProtocol
		}
	}
	var rpcErr *JsonRpcResponseError
	var protoErr *RpcProtocolError
	var preErr *PreconditionError
	if errors.As(err, &rpcErr) || errors.As(err, &protoErr) || errors.As(err, &preErr) {
		return KindProtocol
	}
	return KindTransient
}

func IsNotFound(err error) bool {
	return QueryErrorKind(err) == KindNotFound
}
