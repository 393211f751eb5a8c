package mcpadapter

// toolDefinitions is the tools/list catalog: one entry per agora.*
// operation, naming it the way a JSON Schema Draft 7 MCP client expects
// (the shape the teacher's codegen would otherwise have generated from
// each operation's Goa payload type — hand-written here since that
// generator cannot run in this module).
var toolDefinitions = []toolDefinition{
	{
		Name:        "agora.agent.register",
		Description: "Register the calling agent, or update its capability roster.",
		InputSchema: objectSchema(map[string]any{
			"agent_type": enumSchema("OBSERVER", "WORKER", "SPECIALIST", "FRAMEWORK_ADMIN", "OVERSEER"),
			"capabilities": arraySchema(objectSchema(map[string]any{
				"type":                 stringSchema(),
				"proficiency_level":    intSchema(),
				"max_concurrent_tasks": intSchema(),
			}, "type", "proficiency_level", "max_concurrent_tasks")),
			"metadata": objectSchema(nil),
		}, "agent_type"),
	},
	{
		Name:        "agora.messaging.send",
		Description: "Send a message from the calling agent to another agent.",
		InputSchema: objectSchema(map[string]any{
			"to_agent":     stringSchema(),
			"message_type": stringSchema(),
			"payload":      objectSchema(nil),
			"priority":     intSchema(),
			"thread_id":    stringSchema(),
		}, "to_agent", "message_type"),
	},
	{
		Name:        "agora.task.assign",
		Description: "Assign a task to an agent, optionally as a workflow step.",
		InputSchema: objectSchema(map[string]any{
			"assignee":        stringSchema(),
			"task_type":       stringSchema(),
			"payload":         objectSchema(nil),
			"priority":        intSchema(),
			"deadline":        stringSchema(),
			"workflow_id":     stringSchema(),
			"idempotency_key": stringSchema(),
		}, "assignee", "task_type"),
	},
	{
		Name:        "agora.task.update",
		Description: "Report progress, completion, or failure of an assigned task.",
		InputSchema: objectSchema(map[string]any{
			"task_id":  stringSchema(),
			"status":   enumSchema("pending", "accepted", "in_progress", "completed", "failed", "cancelled"),
			"progress": intSchema(),
			"result":   objectSchema(nil),
		}, "task_id"),
	},
	{
		Name:        "agora.workflow.start",
		Description: "Start a multi-step workflow and assign its ready steps.",
		InputSchema: objectSchema(map[string]any{
			"workflow_name": stringSchema(),
			"steps": arraySchema(objectSchema(map[string]any{
				"name":                stringSchema(),
				"required_capability": stringSchema(),
				"depends_on":          arraySchema(stringSchema()),
			}, "name", "required_capability")),
			"metadata":        objectSchema(nil),
			"idempotency_key": stringSchema(),
		}, "workflow_name", "steps"),
	},
	{
		Name:        "agora.query.data",
		Description: "Read-only projection over the Coordination Store's entities.",
		InputSchema: objectSchema(map[string]any{
			"entity": enumSchema("agent", "capability", "message", "task", "workflow", "step"),
			"filter": objectSchema(nil),
			"limit":  intSchema(),
			"cursor": stringSchema(),
		}, "entity"),
	},
	{
		Name:        "agora.system.status",
		Description: "Aggregate marketplace health, active-agent count, and queue depth.",
		InputSchema: objectSchema(nil),
	},
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object"}
	if properties != nil {
		schema["properties"] = properties
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func arraySchema(items map[string]any) map[string]any {
	return map[string]any{"type": "array", "items": items}
}

func stringSchema() map[string]any { return map[string]any{"type": "string"} }
func intSchema() map[string]any    { return map[string]any{"type": "integer"} }

func enumSchema(values ...string) map[string]any {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]any{"type": "string", "enum": enum}
}
