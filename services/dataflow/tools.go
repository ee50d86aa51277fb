package dataflow

import (
	"context"

	"github.com/instantcocoa/dorastudio/services/chat"
)

// toolEntry is the shape a dataflow takes in tool results.
type toolEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
	Nodes  int    `json:"nodes"`
}

// Tools returns the chat tools that control dataflows through c.
func Tools(c Controller) []chat.Tool {
	return []chat.Tool{
		chat.NewTool(chat.ToolSpec{
			Name:        "list_dataflows",
			Description: "List the dataflows known to the runtime with their status and node count.",
		}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			entries, err := c.List(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]toolEntry, len(entries))
			for i, e := range entries {
				out[i] = toolEntry{ID: e.ID.String(), Name: e.Name, Status: e.Status.String(), Nodes: e.NodeCount}
			}
			return out, nil
		}),

		chat.NewTool(chat.ToolSpec{
			Name:        "start_dataflow",
			Description: "Start a dataflow from its descriptor file.",
			Parameters: map[string]*chat.Parameter{
				"path": {Type: chat.TypeString, Description: "Path to the dataflow YAML descriptor"},
			},
			Required: []string{"path"},
		}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			path, err := chat.StringArg(args, "path")
			if err != nil {
				return nil, err
			}
			id, err := c.Start(ctx, path)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": id.String()}, nil
		}),

		chat.NewTool(chat.ToolSpec{
			Name:        "stop_dataflow",
			Description: "Stop a running dataflow by id.",
			Parameters: map[string]*chat.Parameter{
				"id": {Type: chat.TypeString, Description: "Dataflow UUID"},
			},
			Required: []string{"id"},
		}, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			raw, err := chat.StringArg(args, "id")
			if err != nil {
				return nil, err
			}
			id, err := ParseID(raw)
			if err != nil {
				return nil, err
			}
			if err := c.Stop(ctx, id); err != nil {
				return nil, err
			}
			return map[string]interface{}{"id": id.String(), "stopped": true}, nil
		}),
	}
}

// RegisterTools adds the dataflow tools to r.
func RegisterTools(r *chat.Registry, c Controller) error {
	return r.Register(Tools(c)...)
}
