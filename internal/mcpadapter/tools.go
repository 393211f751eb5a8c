package mcpadapter

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/agora-labs/marketplace-core/internal/toolserver"
)

// toolCallParams is the payload of a tools/call request: the tool name and
// its JSON arguments, exactly as the teacher's HTTPCaller.CallTool sends
// them (params.name / params.arguments).
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolsCallResult is the MCP CallToolResult shape: one or more content
// items plus an isError flag. Tool-level failures (a rejected permission
// check, a validation error) are reported this way rather than as a
// JSON-RPC error, matching the protocol's own distinction between a
// transport-level failure and a tool execution that simply did not
// succeed.
type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(v any) toolsCallResult {
	encoded, err := json.Marshal(v)
	if err != nil {
		return errorResult(err.Error())
	}
	return toolsCallResult{Content: []contentItem{{Type: "text", Text: string(encoded)}}}
}

func errorResult(message string) toolsCallResult {
	return toolsCallResult{Content: []contentItem{{Type: "text", Text: message}}, IsError: true}
}

// callTool decodes tools/call's params, dispatches to the matching
// toolserver.Server method, and normalizes both its success and failure
// outcomes into a toolsCallResult. Only malformed JSON-RPC framing (an
// unparsable tools/call params object, an unknown tool name) produces a
// JSON-RPC protocol error; arguments that fail to decode, and every
// toolserver-level error, become an IsError result
// so the calling agent sees the same agoraerr.Kind/message it would over
// internal/httpapi.
func (s *Server) callTool(ctx context.Context, caller toolserver.Caller, params json.RawMessage) (any, *rpcError) {
	var call toolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{Code: invalidParamsCode, Message: "invalid tools/call params: " + err.Error()}
	}
	handler, ok := toolHandlers[call.Name]
	if !ok {
		return nil, &rpcError{Code: invalidParamsCode, Message: "unknown tool " + call.Name}
	}
	return handler(ctx, s.tools, caller, call.Arguments), nil
}

type toolHandler func(ctx context.Context, tools *toolserver.Server, caller toolserver.Caller, args json.RawMessage) toolsCallResult

func decodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}

var toolHandlers = map[string]toolHandler{
	"agora.agent.register": func(ctx context.Context, tools *toolserver.Server, caller toolserver.Caller, args json.RawMessage) toolsCallResult {
		req, err := decodeArgs[toolserver.RegisterAgentRequest](args)
		if err != nil {
			return errorResult(err.Error())
		}
		result, err := tools.RegisterAgent(ctx, caller, req)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(result)
	},
	"agora.messaging.send": func(ctx context.Context, tools *toolserver.Server, caller toolserver.Caller, args json.RawMessage) toolsCallResult {
		req, err := decodeArgs[toolserver.SendMessageRequest](args)
		if err != nil {
			return errorResult(err.Error())
		}
		result, err := tools.SendMessage(ctx, caller, req)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(result)
	},
	"agora.task.assign": func(ctx context.Context, tools *toolserver.Server, caller toolserver.Caller, args json.RawMessage) toolsCallResult {
		req, err := decodeArgs[toolserver.AssignTaskRequest](args)
		if err != nil {
			return errorResult(err.Error())
		}
		result, err := tools.AssignTask(ctx, caller, req)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(result)
	},
	"agora.task.update": func(ctx context.Context, tools *toolserver.Server, caller toolserver.Caller, args json.RawMessage) toolsCallResult {
		req, err := decodeArgs[toolserver.UpdateTaskRequest](args)
		if err != nil {
			return errorResult(err.Error())
		}
		result, err := tools.UpdateTask(ctx, caller, req)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(result)
	},
	"agora.workflow.start": func(ctx context.Context, tools *toolserver.Server, caller toolserver.Caller, args json.RawMessage) toolsCallResult {
		req, err := decodeArgs[toolserver.StartWorkflowRequest](args)
		if err != nil {
			return errorResult(err.Error())
		}
		result, err := tools.StartWorkflow(ctx, caller, req)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(result)
	},
	"agora.query.data": func(ctx context.Context, tools *toolserver.Server, caller toolserver.Caller, args json.RawMessage) toolsCallResult {
		req, err := decodeArgs[toolserver.QueryDataRequest](args)
		if err != nil {
			return errorResult(err.Error())
		}
		result, err := tools.QueryData(ctx, caller, req)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(result)
	},
	"agora.system.status": func(ctx context.Context, tools *toolserver.Server, caller toolserver.Caller, args json.RawMessage) toolsCallResult {
		req, err := decodeArgs[toolserver.SystemStatusRequest](args)
		if err != nil {
			return errorResult(err.Error())
		}
		result, err := tools.SystemStatus(ctx, caller, req)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(result)
	},
}
