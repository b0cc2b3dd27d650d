package chain

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// HardwareSDK is the link to an external signing device.
type HardwareSDK interface {
	Call(ctx context.Context, method string, params interface{}) (*HardwareResponse, error)
}

type HardwareResponse struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload"`
}

type HardwareXpub struct {
	Path string `json:"path"`
	Xpub string `json:"xpub"`
}

// CallHardware invokes method on the device and decodes the payload into T.
// A response with success false becomes a HardwareError.
func CallHardware[T any](ctx context.Context, sdk HardwareSDK, method string, params interface{}) (*T, error) {
	if sdk == nil {
		return nil, &PreconditionError{Msg: "hardware sdk should be defined"}
	}
	resp, err := sdk.Call(ctx, method, params)
	if err != nil {
		return nil, errors.Wrapf(err, "hardware %s", method)
	}
	if resp == nil || !resp.Success {
		var payload json.RawMessage
		if resp != nil {
			payload = resp.Payload
		}
		return nil, &HardwareError{Payload: payload}
	}
	var out T
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &out); err != nil {
			return nil, errors.Wrapf(err, "decode hardware %s payload", method)
		}
	}
	return &out, nil
}
