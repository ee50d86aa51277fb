package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/services/runtime"
)

// DefaultLoopLimit bounds the completion rounds of one turn.
const DefaultLoopLimit = 32

// DefaultSystemPrompt opens every new conversation.
const DefaultSystemPrompt = "You are the assistant of a dataflow studio. " +
	"Use the available tools to inspect and control dataflows and to query traces. " +
	"Answer concisely."

const tracerName = "github.com/instantcocoa/dorastudio/services/chat"

// Completer performs one chat completion. *runtime.Gateway satisfies it.
type Completer interface {
	Complete(ctx context.Context, params runtime.CompletionParams) (*runtime.CompletionResult, error)
}

// Options configures an Engine.
type Options struct {
	Model        string
	SystemPrompt string
	LoopLimit    int
	Store        Store
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

// Engine runs turns against a completer, resolving tool calls from a registry.
type Engine struct {
	completer    Completer
	tools        *Registry
	store        Store
	model        string
	systemPrompt string
	loopLimit    int
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewEngine creates an engine. A nil store keeps transcripts in memory.
func NewEngine(completer Completer, tools *Registry, opts Options) *Engine {
	if tools == nil {
		tools = NewRegistry()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.LoopLimit <= 0 {
		opts.LoopLimit = DefaultLoopLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Engine{
		completer:    completer,
		tools:        tools,
		store:        opts.Store,
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
		loopLimit:    opts.LoopLimit,
		logger:       opts.Logger.With("component", "chat"),
		tracer:       opts.Tracer,
	}
}

// Tools returns the tool registry.
func (e *Engine) Tools() *Registry {
	return e.tools
}

// Store returns the transcript store.
func (e *Engine) Store() Store {
	return e.store
}

// Run executes one turn. Tool calls are resolved and fed back until the model
// answers with text or the loop limit is reached. Only completed turns are
// written to the transcript.
func (e *Engine) Run(ctx context.Context, turn Turn) (Reply, error) {
	if strings.TrimSpace(turn.Prompt) == "" {
		return Reply{}, fault.InvalidQuery("chat prompt is empty")
	}

	id := turn.ConversationID
	if id == uuid.Nil {
		id = uuid.New()
	}
	reply := Reply{ConversationID: id}

	history, err := e.store.Messages(ctx, id)
	if err != nil {
		return reply, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	var added []runtime.Message
	if len(history) == 0 && e.systemPrompt != "" {
		added = append(added, runtime.Message{Role: runtime.RoleSystem, Content: e.systemPrompt})
	}
	added = append(added, runtime.Message{Role: runtime.RoleUser, Content: turn.Prompt})

	defs := e.tools.Definitions()
	for round := 0; round < e.loopLimit; round++ {
		res, err := e.completer.Complete(ctx, runtime.CompletionParams{
			Model:    e.model,
			Messages: concat(history, added),
			Tools:    defs,
		})
		if err != nil {
			return reply, err
		}
		reply.Rounds++
		reply.Usage = addUsage(reply.Usage, res.Usage)

		msg := res.Message
		if msg.Role == "" {
			msg.Role = runtime.RoleAssistant
		}
		added = append(added, msg)

		if !res.WantsTools() {
			reply.Content = msg.Content
			reply.Messages = added
			e.persist(ctx, id, added)
			return reply, nil
		}

		for _, call := range msg.ToolCalls {
			content, err := e.invoke(ctx, call)
			if err != nil {
				return reply, err
			}
			reply.ToolCalls++
			added = append(added, runtime.Message{
				Role:       runtime.RoleTool,
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}

	e.logger.WarnContext(ctx, "turn hit the loop limit",
		"conversation_id", id,
		"loop_limit", e.loopLimit,
		"tool_calls", reply.ToolCalls,
	)
	return reply, fault.LoopLimitExceeded(e.loopLimit)
}

// invoke runs one tool call and renders its result as JSON. Failures of the
// tool itself become an {"error": ...} result.
func (e *Engine) invoke(ctx context.Context, call runtime.ToolCall) (string, error) {
	tool, ok := e.tools.Get(call.Name)
	if !ok {
		return "", fault.UnknownTool(call.Name)
	}
	args, err := parseArguments(call.Arguments)
	if err != nil {
		return "", fault.ParseError(err, "arguments of tool %q", call.Name)
	}

	ctx, span := e.tracer.Start(ctx, "chat.tool", trace.WithAttributes(
		attribute.String("chat.tool.name", call.Name),
		attribute.String("chat.tool.call_id", call.ID),
	))
	defer span.End()

	start := time.Now()
	result, err := tool.Run(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WarnContext(ctx, "tool failed",
			"tool", call.Name,
			"call_id", call.ID,
			"error", err,
		)
		return errorResult(err), nil
	}

	out, err := json.Marshal(result)
	if err != nil {
		return errorResult(fmt.Errorf("failed to encode result: %w", err)), nil
	}

	e.logger.DebugContext(ctx, "tool succeeded",
		"tool", call.Name,
		"call_id", call.ID,
		"bytes", len(out),
		"elapsed", time.Since(start),
	)
	return string(out), nil
}

func (e *Engine) persist(ctx context.Context, id uuid.UUID, msgs []runtime.Message) {
	if err := e.store.Append(ctx, id, msgs...); err != nil {
		e.logger.WarnContext(ctx, "failed to save transcript",
			"conversation_id", id,
			"error", err,
		)
	}
}

// Handle is the bridge handler for chat turns.
func (e *Engine) Handle(ctx context.Context, req bridge.Request[Turn]) (Reply, error) {
	start := time.Now()

	reply, err := e.Run(ctx, req.Payload)
	if err != nil {
		e.logger.WarnContext(ctx, "chat turn failed",
			"correlation_id", req.ID,
			"slot", req.Slot,
			"conversation_id", reply.ConversationID,
			"rounds", reply.Rounds,
			"error_kind", fault.KindOf(err),
			"error", err,
		)
		return reply, err
	}

	e.logger.InfoContext(ctx, "chat turn completed",
		"correlation_id", req.ID,
		"conversation_id", reply.ConversationID,
		"rounds", reply.Rounds,
		"tool_calls", reply.ToolCalls,
		"tokens", reply.Usage.TotalTokens,
		"elapsed", time.Since(start),
	)
	return reply, nil
}

// NewBridge starts a bridge whose worker runs turns on e.
func (e *Engine) NewBridge(opts bridge.Options) (*bridge.Bridge[Turn, Reply], error) {
	return bridge.New(e.Handle, opts)
}

func parseArguments(raw string) (map[string]interface{}, error) {
	args := make(map[string]interface{})
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = make(map[string]interface{})
	}
	return args, nil
}

func errorResult(err error) string {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(out)
}

func concat(a, b []runtime.Message) []runtime.Message {
	out := make([]runtime.Message, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func addUsage(a, b runtime.Usage) runtime.Usage {
	return runtime.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
