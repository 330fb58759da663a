package transport

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	apperrors "github.com/mir00r/capability-router/internal/errors"
)

const jsonRPCVersion = "2.0"

// rpcRequest is a JSON-RPC 2.0 request envelope
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a JSON-RPC response
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

var requestIDs uint64

func newRequest(method string, params json.RawMessage) rpcRequest {
	return rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      atomic.AddUint64(&requestIDs, 1),
		Method:  method,
		Params:  params,
	}
}

// result unpacks a decoded response into the call result or a coded error
func (r rpcResponse) result(component string) (json.RawMessage, error) {
	if r.Error != nil {
		return nil, apperrors.WrapError(r.Error, apperrors.ErrCodeExecutionFailed, component, "backend returned an error").
			WithMetadata("rpc_code", r.Error.Code)
	}
	if len(r.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return r.Result, nil
}

func failure(err error, component, message string) *apperrors.PlaneError {
	return apperrors.WrapError(err, apperrors.ErrCodeExecutionFailed, component, message)
}
