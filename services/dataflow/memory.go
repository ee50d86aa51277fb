package dataflow

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// MemoryController is an in-memory Controller for development and tests.
type MemoryController struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
	logs    map[uuid.UUID]map[string]string
	nodes   map[string]int
}

// NewMemoryController creates an empty controller.
func NewMemoryController() *MemoryController {
	return &MemoryController{
		entries: make(map[uuid.UUID]*Entry),
		logs:    make(map[uuid.UUID]map[string]string),
		nodes:   make(map[string]int),
	}
}

// Add registers an existing dataflow, replacing any entry with the same ID.
func (c *MemoryController) Add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := e
	c.entries[e.ID] = &cp
}

// SetNodeCount sets how many nodes a dataflow started from path reports.
func (c *MemoryController) SetNodeCount(path string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[path] = n
}

// SetLogs sets the log output of one node.
func (c *MemoryController) SetLogs(id uuid.UUID, node, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logs[id] == nil {
		c.logs[id] = make(map[string]string)
	}
	c.logs[id][node] = text
}

func (c *MemoryController) List(ctx context.Context) ([]Entry, error) {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (c *MemoryController) Start(ctx context.Context, path string) (uuid.UUID, error) {
	if strings.TrimSpace(path) == "" {
		return uuid.Nil, fault.InvalidQuery("dataflow path is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New()
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	c.entries[id] = &Entry{
		ID:        id,
		Name:      name,
		Status:    Running(),
		NodeCount: c.nodes[path],
	}
	return id, nil
}

func (c *MemoryController) Stop(ctx context.Context, id uuid.UUID) error {
	return c.transition(id, Finished())
}

func (c *MemoryController) Destroy(ctx context.Context, id uuid.UUID) error {
	return c.transition(id, Failed("destroyed"))
}

func (c *MemoryController) transition(id uuid.UUID, to Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return fault.BackendError("no dataflow with id %s", id)
	}
	if e.Status.State != StateRunning {
		return fault.BackendError("dataflow %s is not running", id)
	}
	e.Status = to
	return nil
}

func (c *MemoryController) Logs(ctx context.Context, id uuid.UUID, node string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.entries[id]; !ok {
		return "", fault.BackendError("no dataflow with id %s", id)
	}
	text, ok := c.logs[id][node]
	if !ok {
		return "", fault.BackendError("dataflow %s has no node %q", id, node)
	}
	return text, nil
}
