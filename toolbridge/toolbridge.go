// Package toolbridge is the thin namespaced tool registry agents expose to
// each other, plus a keyed resource store and {{var}}-substituting prompt
// templates.
package toolbridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lattice-agents/fabric/fabriterr"
	"github.com/lattice-agents/fabric/observability"
)

// ToolHandler executes a registered tool.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// InvocationResult is what invoke_tool returns: thrown errors become
// {success: false, error: message} rather than propagating.
type InvocationResult struct {
	Success bool
	Output  any
	Error   string
}

// Bridge is the tool/resource/prompt registry.
type Bridge struct {
	mu    sync.RWMutex
	tools map[string]ToolHandler

	resourcesMu sync.RWMutex
	resources   map[string]any

	promptsMu sync.RWMutex
	prompts   map[string]string

	sinkMu sync.RWMutex
	sink   *observability.Sink
}

// New constructs an empty bridge.
func New() *Bridge {
	return &Bridge{
		tools:     make(map[string]ToolHandler),
		resources: make(map[string]any),
		prompts:   make(map[string]string),
	}
}

// SetSink wires the observability sink InvokeTool reports to. A nil sink
// (the default) disables emission.
func (b *Bridge) SetSink(sink *observability.Sink) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.sink = sink
}

// RegisterAgentTools installs each tool under the namespaced name
// "<agent>.<tool>"; duplicates fail.
func (b *Bridge) RegisterAgentTools(agent string, tools map[string]ToolHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, handler := range tools {
		namespaced := agent + "." + name
		if _, exists := b.tools[namespaced]; exists {
			return fabriterr.New(fabriterr.DuplicateRegistration, "tool %q already registered", namespaced)
		}
		b.tools[namespaced] = handler
	}
	return nil
}

// InvokeTool calls the handler for the namespaced tool name and returns a
// structured result; handler errors never propagate as a Go error.
func (b *Bridge) InvokeTool(ctx context.Context, namespacedName string, args map[string]any) InvocationResult {
	start := time.Now()
	b.mu.RLock()
	handler, ok := b.tools[namespacedName]
	b.mu.RUnlock()
	if !ok {
		result := InvocationResult{Success: false, Error: fmt.Sprintf("tool %q not found", namespacedName)}
		b.emitInvoked(namespacedName, start, result.Success)
		return result
	}
	output, err := handler(ctx, args)
	if err != nil {
		result := InvocationResult{Success: false, Error: err.Error()}
		b.emitInvoked(namespacedName, start, result.Success)
		return result
	}
	result := InvocationResult{Success: true, Output: output}
	b.emitInvoked(namespacedName, start, result.Success)
	return result
}

func (b *Bridge) emitInvoked(namespacedName string, start time.Time, success bool) {
	b.sinkMu.RLock()
	sink := b.sink
	b.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)
	succ := success
	sink.Emit(observability.Event{
		Type:       observability.EventToolInvoked,
		ToolName:   namespacedName,
		DurationMS: &durationMS,
		Success:    &succ,
	})
}

// RegisterResource stores a value under a URI key.
func (b *Bridge) RegisterResource(uri string, value any) {
	b.resourcesMu.Lock()
	defer b.resourcesMu.Unlock()
	b.resources[uri] = value
}

// ReadResource looks up a resource by URI; missing keys fail with not-found.
func (b *Bridge) ReadResource(uri string) (any, error) {
	b.resourcesMu.RLock()
	defer b.resourcesMu.RUnlock()
	v, ok := b.resources[uri]
	if !ok {
		return nil, fabriterr.New(fabriterr.NotFound, "resource %q not found", uri)
	}
	return v, nil
}

// RegisterPrompt stores a {{var}}-templated prompt under a name.
func (b *Bridge) RegisterPrompt(name, template string) {
	b.promptsMu.Lock()
	defer b.promptsMu.Unlock()
	b.prompts[name] = template
}

// GetPrompt renders a registered template, substituting "{{var}}" for each
// key in args.
func (b *Bridge) GetPrompt(name string, args map[string]string) (string, error) {
	b.promptsMu.RLock()
	template, ok := b.prompts[name]
	b.promptsMu.RUnlock()
	if !ok {
		return "", fabriterr.New(fabriterr.NotFound, "prompt %q not found", name)
	}
	out := template
	for k, v := range args {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out, nil
}
