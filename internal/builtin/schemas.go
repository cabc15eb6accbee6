package builtin

// Argument schemas attached to the built-in tools by Register.

var pathProperty = map[string]any{"type": "string", "minLength": 1}

func pathSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"required":   []any{"path"},
		"properties": map[string]any{"path": pathProperty},
	}
}

func contentSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"path", "content"},
		"properties": map[string]any{
			"path":    pathProperty,
			"content": map[string]any{"type": "string"},
		},
	}
}

// analyze_go takes a file path or inline source.
var analyzeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"path":   pathProperty,
		"source": map[string]any{"type": "string", "minLength": 1},
	},
	"anyOf": []any{
		map[string]any{"required": []any{"path"}},
		map[string]any{"required": []any{"source"}},
	},
}

// run_command takes a command line string or an argv list.
var runCommandSchema = map[string]any{
	"type":     "object",
	"required": []any{"command"},
	"properties": map[string]any{
		"command": map[string]any{
			"oneOf": []any{
				map[string]any{"type": "string", "pattern": `\S`},
				map[string]any{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]any{"type": "string", "minLength": 1},
				},
			},
		},
	},
}

var askModelSchema = map[string]any{
	"type":       "object",
	"required":   []any{"prompt"},
	"properties": map[string]any{"prompt": map[string]any{"type": "string", "minLength": 1}},
}

// commandArgsSchema guards the configured check commands, whose only
// argument is an optional list of extra command line words.
var commandArgsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"args": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
}
