package thread

import "olmoplayground/internal/models"

// BuildTree links a thread's flat rows into a tree and returns the root.
// Deleted messages and everything under them are left out. It returns nil when
// the root itself is missing or deleted.
func BuildTree(msgs []*models.Message, rootID string) *models.Message {
	nodes := make(map[string]*models.Message, len(msgs))
	for _, m := range msgs {
		if m.Deleted != nil {
			continue
		}
		m.Children = nil
		nodes[m.ID] = m
	}
	for _, m := range msgs {
		if m.Deleted != nil || m.Parent == nil {
			continue
		}
		if parent, ok := nodes[*m.Parent]; ok {
			parent.Children = append(parent.Children, m)
		}
	}
	return nodes[rootID]
}

// ancestry walks parent links from leaf to the root, returning the chain in
// root-first order. Tool results hanging off an assistant on the path are
// placed right after it so replayed histories keep call/result pairs.
func ancestry(msgs []*models.Message, leafID string) []*models.Message {
	byID := make(map[string]*models.Message, len(msgs))
	toolResults := make(map[string][]*models.Message)
	for _, m := range msgs {
		byID[m.ID] = m
		if m.Role == models.RoleToolCallResult && m.Parent != nil && m.Deleted == nil {
			toolResults[*m.Parent] = append(toolResults[*m.Parent], m)
		}
	}

	var path []*models.Message
	seen := make(map[string]bool)
	for id := leafID; id != ""; {
		m, ok := byID[id]
		if !ok || seen[id] {
			break
		}
		seen[id] = true
		path = append(path, m)
		if m.Parent == nil {
			break
		}
		id = *m.Parent
	}

	chain := make([]*models.Message, 0, len(path))
	for i := len(path) - 1; i >= 0; i-- {
		m := path[i]
		chain = append(chain, m)
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			chain = append(chain, toolResults[m.ID]...)
		}
	}
	return chain
}
