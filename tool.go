package chatgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/darkostanimirovic/chatgraph/providers"
)

// ToolHandler is a function that executes a tool
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// PendingFormatter formats the display message when a tool is about to execute
type PendingFormatter func(toolName string, args map[string]any) string

// ResultFormatter formats the display message when a tool completes
type ResultFormatter func(toolName string, result any) string

// Tool is a named capability the model can call.
type Tool struct {
	name             string
	description      string
	parameters       map[string]*ParameterSchema
	handler          ToolHandler
	pendingFormatter PendingFormatter
	resultFormatter  ResultFormatter
}

// ToolBuilder helps construct tools with a fluent API
type ToolBuilder struct {
	tool Tool
}

// NewTool creates a new tool builder
func NewTool(name string) *ToolBuilder {
	return &ToolBuilder{
		tool: Tool{
			name:       name,
			parameters: map[string]*ParameterSchema{},
		},
	}
}

// WithDescription sets the tool description
func (tb *ToolBuilder) WithDescription(desc string) *ToolBuilder {
	tb.tool.description = desc
	return tb
}

// WithParameter adds a parameter to the tool
func (tb *ToolBuilder) WithParameter(name string, schema *ParameterSchema) *ToolBuilder {
	tb.tool.parameters[name] = schema
	return tb
}

// WithHandler sets the tool handler function
func (tb *ToolBuilder) WithHandler(handler ToolHandler) *ToolBuilder {
	tb.tool.handler = handler
	return tb
}

// WithPendingFormatter sets the formatter for pending tool execution messages
func (tb *ToolBuilder) WithPendingFormatter(formatter PendingFormatter) *ToolBuilder {
	tb.tool.pendingFormatter = formatter
	return tb
}

// WithResultFormatter sets the formatter for tool result messages
func (tb *ToolBuilder) WithResultFormatter(formatter ResultFormatter) *ToolBuilder {
	tb.tool.resultFormatter = formatter
	return tb
}

// Common build errors.
var (
	ErrToolNameRequired    = errors.New("chatgraph: tool name is required")
	ErrToolHandlerRequired = errors.New("chatgraph: tool handler is required")
)

// Build returns the constructed tool
func (tb *ToolBuilder) Build() (Tool, error) {
	if strings.TrimSpace(tb.tool.name) == "" {
		return Tool{}, ErrToolNameRequired
	}
	if tb.tool.handler == nil {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolHandlerRequired, tb.tool.name)
	}
	return tb.tool, nil
}

// MustBuild is like Build but panics on an invalid tool. For tools defined at init time.
func (tb *ToolBuilder) MustBuild() Tool {
	tool, err := tb.Build()
	if err != nil {
		panic(err)
	}
	return tool
}

// Name returns the tool name
func (t Tool) Name() string {
	return t.name
}

// Description returns the tool description
func (t Tool) Description() string {
	return t.description
}

// Schema returns the JSON schema of the tool parameters.
func (t Tool) Schema() map[string]any {
	names := make([]string, 0, len(t.parameters))
	for name := range t.parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	props := make(map[string]any, len(names))
	required := []string{}
	for _, name := range names {
		schema := t.parameters[name]
		if schema == nil {
			continue
		}
		props[name] = schema.ToMap()
		if schema.required {
			required = append(required, name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ToToolDefinition converts the tool to a provider-agnostic ToolDefinition.
func (t Tool) ToToolDefinition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.Schema(),
	}
}

// Execute checks required arguments and runs the handler.
func (t Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	for name, schema := range t.parameters {
		if schema == nil || !schema.required {
			continue
		}
		if v, ok := args[name]; !ok || v == nil {
			return nil, InvalidArguments(t.name, fmt.Sprintf("missing required argument %q", name))
		}
	}
	return t.handler(ctx, args)
}

// FormatPending formats the pending message for this tool
func (t Tool) FormatPending(args map[string]any) string {
	if t.pendingFormatter != nil {
		return t.pendingFormatter(t.name, args)
	}
	return fmt.Sprintf("Using %s...", formatToolName(t.name))
}

// FormatResult formats the result message for this tool
func (t Tool) FormatResult(result any) string {
	if t.resultFormatter != nil {
		return t.resultFormatter(t.name, result)
	}
	return fmt.Sprintf("✓ %s completed", formatToolName(t.name))
}

// formatToolName converts snake_case tool name to Title Case for display
// e.g., "get_stock_price" -> "Get Stock Price"
func formatToolName(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// formatToolResult renders a handler result as tool message content.
func formatToolResult(result any) string {
	if result == nil {
		return "null"
	}

	switch v := result.(type) {
	case string:
		return v
	case error:
		return fmt.Sprintf("Error: %v", v)
	default:
		if data, err := json.Marshal(result); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", result)
	}
}

// ParameterSchema defines a tool parameter schema
type ParameterSchema struct {
	paramType   string
	description string
	required    bool
	enum        []string
	items       *ParameterSchema
}

// String creates a string parameter schema
func String() *ParameterSchema {
	return &ParameterSchema{paramType: "string"}
}

// Number creates a number parameter schema
func Number() *ParameterSchema {
	return &ParameterSchema{paramType: "number"}
}

// Integer creates an integer parameter schema
func Integer() *ParameterSchema {
	return &ParameterSchema{paramType: "integer"}
}

// Boolean creates a boolean parameter schema
func Boolean() *ParameterSchema {
	return &ParameterSchema{paramType: "boolean"}
}

// Array creates an array parameter schema
func Array(items *ParameterSchema) *ParameterSchema {
	return &ParameterSchema{paramType: "array", items: items}
}

// WithDescription sets the parameter description
func (ps *ParameterSchema) WithDescription(desc string) *ParameterSchema {
	ps.description = desc
	return ps
}

// Required marks the parameter as required
func (ps *ParameterSchema) Required() *ParameterSchema {
	ps.required = true
	return ps
}

// Optional marks the parameter as optional
func (ps *ParameterSchema) Optional() *ParameterSchema {
	ps.required = false
	return ps
}

// WithEnum sets allowed values for the parameter
func (ps *ParameterSchema) WithEnum(values ...string) *ParameterSchema {
	ps.enum = values
	return ps
}

// ToMap converts the schema to its JSON schema map
func (ps *ParameterSchema) ToMap() map[string]any {
	m := map[string]any{
		"type": ps.paramType,
	}
	if ps.description != "" {
		m["description"] = ps.description
	}
	if len(ps.enum) > 0 {
		m["enum"] = ps.enum
	}
	if ps.items != nil {
		m["items"] = ps.items.ToMap()
	}
	return m
}
