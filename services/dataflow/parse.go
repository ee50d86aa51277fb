package dataflow

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// listRow is one dataflow as printed by the runtime's list command.
type listRow struct {
	UUID   string          `json:"uuid"`
	ID     string          `json:"id"`
	Name   *string         `json:"name"`
	Status json.RawMessage `json:"status"`
	Nodes  json.RawMessage `json:"nodes"`
}

// ParseList decodes list output. A JSON array and newline-delimited JSON
// objects are both accepted; blank output yields no entries.
func ParseList(out []byte) ([]Entry, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return []Entry{}, nil
	}

	var rows []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fault.ParseError(err, "dataflow list")
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(trimmed))
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			rows = append(rows, append(json.RawMessage(nil), line...))
		}
		if err := sc.Err(); err != nil {
			return nil, fault.ParseError(err, "dataflow list")
		}
	}

	entries := make([]Entry, 0, len(rows))
	for i, raw := range rows {
		e, err := parseRow(i, raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseRow(i int, raw json.RawMessage) (Entry, error) {
	var row listRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return Entry{}, fault.MalformedResponse(i, "undecodable dataflow: %v", err)
	}

	idText := row.UUID
	if idText == "" {
		idText = row.ID
	}
	if idText == "" {
		return Entry{}, fault.MalformedResponse(i, "dataflow missing uuid")
	}
	id, err := uuid.Parse(idText)
	if err != nil {
		return Entry{}, fault.MalformedResponse(i, "dataflow uuid %q: %v", idText, err)
	}

	status, err := parseStatus(row.Status)
	if err != nil {
		return Entry{}, fault.MalformedResponse(i, "dataflow %s: %v", id, err)
	}
	nodes, err := parseNodes(row.Nodes)
	if err != nil {
		return Entry{}, fault.MalformedResponse(i, "dataflow %s: %v", id, err)
	}

	e := Entry{ID: id, Status: status, NodeCount: nodes}
	if row.Name != nil {
		e.Name = *row.Name
	}
	return e, nil
}

// parseStatus accepts "Running", "Failed: reason", {"state": ..., "reason": ...}
// and the externally tagged {"Failed": "reason"}.
func parseStatus(raw json.RawMessage) (Status, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Status{}, errors.New("missing status")
	}

	var word string
	if err := json.Unmarshal(raw, &word); err == nil {
		name, reason, _ := strings.Cut(word, ":")
		state, ok := ParseState(name)
		if !ok {
			return Status{}, fmt.Errorf("unknown status %q", word)
		}
		return Status{State: state, Reason: strings.TrimSpace(reason)}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Status{}, errors.New("status is neither a string nor an object")
	}
	if s, ok := obj["state"]; ok {
		var name, reason string
		if err := json.Unmarshal(s, &name); err != nil {
			return Status{}, errors.New("status state is not a string")
		}
		state, ok := ParseState(name)
		if !ok {
			return Status{}, fmt.Errorf("unknown status %q", name)
		}
		if r, ok := obj["reason"]; ok {
			json.Unmarshal(r, &reason)
		}
		return Status{State: state, Reason: reason}, nil
	}
	if len(obj) == 1 {
		for name, r := range obj {
			state, ok := ParseState(name)
			if !ok {
				return Status{}, fmt.Errorf("unknown status %q", name)
			}
			var reason string
			json.Unmarshal(r, &reason)
			return Status{State: state, Reason: reason}, nil
		}
	}
	return Status{}, errors.New("unrecognized status object")
}

// parseNodes accepts a node count or a list of nodes.
func parseNodes(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return 0, errors.New("negative node count")
		}
		return n, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return len(list), nil
	}
	return 0, errors.New("nodes is neither a count nor a list")
}
