package mcpadapter

import (
	"encoding/json"
	"net/http"
)

// rpcRequest and rpcResponse mirror the wire shapes the teacher's
// features/mcp/runtime package uses on the client side of the same
// protocol (rpc.go's rpcRequest/rpcResponse/rpcError) — this package is
// the server end of that same wire format.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      uint64          `json:"id"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 reserved error codes.
const (
	parseErrorCode     = -32700
	invalidParamsCode  = -32602
	methodNotFoundCode = -32601
	internalErrorCode  = -32603
)

func writeRPCResult(w http.ResponseWriter, id uint64, result any) {
	encoded, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, id, internalErrorCode, "encode result: "+err.Error())
		return
	}
	writeJSON(w, rpcResponse{JSONRPC: "2.0", Result: encoded, ID: id})
}

func writeRPCError(w http.ResponseWriter, id uint64, code int, message string) {
	writeJSON(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}, ID: id})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
