package chat

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/instantcocoa/dorastudio/services/runtime"
)

// ParameterType is the JSON schema type of a tool parameter.
type ParameterType string

const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeInteger ParameterType = "integer"
	TypeBoolean ParameterType = "boolean"
	TypeArray   ParameterType = "array"
	TypeObject  ParameterType = "object"
)

// Parameter describes one tool argument.
type Parameter struct {
	Type        ParameterType
	Description string
	Enum        []string

	// Items is the element type when Type is TypeArray.
	Items *Parameter

	// Properties and Required describe a TypeObject parameter.
	Properties map[string]*Parameter
	Required   []string
}

// Validate checks that the parameter describes a well-formed schema.
func (p *Parameter) Validate() error {
	switch p.Type {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean:
	case TypeArray:
		if p.Items == nil {
			return fmt.Errorf("array parameter needs items")
		}
		if err := p.Items.Validate(); err != nil {
			return fmt.Errorf("items: %w", err)
		}
	case TypeObject:
		for name, prop := range p.Properties {
			if err := prop.Validate(); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
		for _, req := range p.Required {
			if _, ok := p.Properties[req]; !ok {
				return fmt.Errorf("required property %q is not defined", req)
			}
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown type %q", p.Type)
	}
	return nil
}

func (p *Parameter) schema() map[string]interface{} {
	out := map[string]interface{}{"type": string(p.Type)}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Items != nil {
		out["items"] = p.Items.schema()
	}
	if p.Type == TypeObject {
		out["properties"] = propertiesSchema(p.Properties)
		if len(p.Required) > 0 {
			out["required"] = sortedCopy(p.Required)
		}
	}
	return out
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]*Parameter
	Required    []string
}

// Validate checks the name and parameter schema.
func (s ToolSpec) Validate() error {
	if !toolNamePattern.MatchString(s.Name) {
		return fmt.Errorf("invalid tool name %q", s.Name)
	}
	for name, p := range s.Parameters {
		if p == nil {
			return fmt.Errorf("tool %s: parameter %q is nil", s.Name, name)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("tool %s: parameter %q: %w", s.Name, name, err)
		}
	}
	for _, req := range s.Required {
		if _, ok := s.Parameters[req]; !ok {
			return fmt.Errorf("tool %s: required parameter %q is not defined", s.Name, req)
		}
	}
	return nil
}

// Schema renders the parameters as a JSON schema object.
func (s ToolSpec) Schema() map[string]interface{} {
	out := map[string]interface{}{
		"type":       "object",
		"properties": propertiesSchema(s.Parameters),
	}
	if len(s.Required) > 0 {
		out["required"] = sortedCopy(s.Required)
	}
	return out
}

// Definition converts the spec to the form sent to the model.
func (s ToolSpec) Definition() runtime.ToolDefinition {
	return runtime.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Schema(),
	}
}

func propertiesSchema(params map[string]*Parameter) map[string]interface{} {
	props := make(map[string]interface{}, len(params))
	for name, p := range params {
		props[name] = p.schema()
	}
	return props
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

// Tool is a local action the model may call. An error returned by Run is
// reported back to the model as the tool result; it does not fail the turn.
type Tool interface {
	Spec() ToolSpec
	Run(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

type funcTool struct {
	spec ToolSpec
	fn   ToolFunc
}

// NewTool creates a Tool from a spec and a function.
func NewTool(spec ToolSpec, fn ToolFunc) Tool {
	return &funcTool{spec: spec, fn: fn}
}

func (t *funcTool) Spec() ToolSpec { return t.spec }

func (t *funcTool) Run(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.fn(ctx, args)
}

// Registry maps tool names to tools. Registering a name twice replaces the
// earlier tool.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register validates and adds tools. Nothing is registered if any spec is
// invalid.
func (r *Registry) Register(tools ...Tool) error {
	for _, t := range tools {
		if err := t.Spec().Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t.Spec().Name] = t
	}
	return nil
}

// RegisterFunc registers fn under spec.
func (r *Registry) RegisterFunc(spec ToolSpec, fn ToolFunc) error {
	return r.Register(NewTool(spec, fn))
}

// Unregister removes a tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions sent with each completion, in
// name order.
func (r *Registry) Definitions() []runtime.ToolDefinition {
	names := r.Names()
	defs := make([]runtime.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			defs = append(defs, t.Spec().Definition())
		}
	}
	return defs
}

// StringArg returns a required string argument.
func StringArg(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", name)
	}
	return s, nil
}

// IntArg returns an optional integer argument, or def when absent.
func IntArg(args map[string]interface{}, name string, def int) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, fmt.Errorf("argument %q must be an integer", name)
	}
	return int(f), nil
}
