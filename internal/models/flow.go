// Package models defines flow graph structures for LeadPipe.
package models

import "fmt"

// NodeType defines how a node's message is delivered and answered.
type NodeType string

const (
	// NodeTypeText sends plain text and expects a typed reply.
	NodeTypeText NodeType = "text"
	// NodeTypeButtons sends up to three interactive reply buttons.
	NodeTypeButtons NodeType = "buttons"
	// NodeTypeList sends an interactive list with sections of rows.
	NodeTypeList NodeType = "list"
)

// EndNodeID is the sentinel node id marking the end of a flow. A node with
// this id, when present, holds the closing message sent once per
// conversation.
const EndNodeID = "END"

// Conversation field names a node may bind its expected answer to.
const (
	FieldName        = "name"
	FieldEmail       = "email"
	FieldBudget      = "budget"
	FieldBedrooms    = "bedrooms"
	FieldProjectName = "projectName"
)

// Button is one interactive reply button. The reply id sent to the customer
// equals NextNodeID so the engine can treat the reply as the next state; ID
// is the fallback when no target is configured.
type Button struct {
	ID         string `json:"id,omitempty"`
	Title      string `json:"title"`
	NextNodeID string `json:"next_node_id,omitempty"`
}

// ReplyID returns the id the button carries on the wire.
func (b Button) ReplyID() string {
	if b.NextNodeID != "" {
		return b.NextNodeID
	}
	return b.ID
}

// ListRow is one selectable row of an interactive list section.
type ListRow struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	NextNodeID  string `json:"next_node_id,omitempty"`
}

// ReplyID returns the id the row carries on the wire.
func (r ListRow) ReplyID() string {
	if r.NextNodeID != "" {
		return r.NextNodeID
	}
	return r.ID
}

// ListSection groups rows of an interactive list message.
type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

// Node is one step of a conversation flow: a message template to send and
// the rules for interpreting the customer's reply.
type Node struct {
	ID          string        `json:"id"`
	Type        NodeType      `json:"type"`
	MessageText string        `json:"message_text"`
	SaveToField string        `json:"save_to_field,omitempty"`
	NextNodeID  string        `json:"next_node_id,omitempty"`
	Buttons     []Button      `json:"buttons,omitempty"`
	ButtonLabel string        `json:"button_label,omitempty"`
	Sections    []ListSection `json:"sections,omitempty"`
}

// FlowGraph is an immutable directed graph of conversation nodes for one
// business number. FollowUpYesNodeID and FollowUpNoNodeID are the resume
// targets for the post-completion follow-up prompt.
type FlowGraph struct {
	Name              string `json:"name"`
	StartNodeID       string `json:"start_node_id"`
	FollowUpYesNodeID string `json:"follow_up_yes_node_id,omitempty"`
	FollowUpNoNodeID  string `json:"follow_up_no_node_id,omitempty"`
	Nodes             []Node `json:"nodes"`

	index map[string]*Node
}

// Node returns the node with the given id, or nil when the id does not
// resolve (including the END sentinel when no END node is configured).
func (g *FlowGraph) Node(id string) *Node {
	if g.index == nil {
		g.buildIndex()
	}
	return g.index[id]
}

func (g *FlowGraph) buildIndex() {
	g.index = make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		g.index[g.Nodes[i].ID] = &g.Nodes[i]
	}
}

// Validate checks the graph's referential integrity: the start node and the
// follow-up resume targets must exist, every node id must be unique, and
// every edge other than END must resolve to a node in the same flow. Flows
// failing validation are configuration errors and must not be served.
func (g *FlowGraph) Validate() error {
	g.index = nil
	seen := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("flow %s: node %d has empty id", g.Name, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("flow %s: duplicate node id %s", g.Name, n.ID)
		}
		seen[n.ID] = true
	}
	g.buildIndex()

	if g.StartNodeID == "" || g.Node(g.StartNodeID) == nil {
		return fmt.Errorf("flow %s: start node %q: %w", g.Name, g.StartNodeID, ErrNoStartNode)
	}
	for _, target := range []string{g.FollowUpYesNodeID, g.FollowUpNoNodeID} {
		if target != "" && target != EndNodeID && g.Node(target) == nil {
			return fmt.Errorf("flow %s: follow-up target %q: %w", g.Name, target, ErrDanglingEdge)
		}
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if err := g.validateEdge(n.ID, n.NextNodeID); err != nil {
			return err
		}
		for _, b := range n.Buttons {
			if err := g.validateEdge(n.ID, b.ReplyID()); err != nil {
				return err
			}
		}
		for _, s := range n.Sections {
			for _, r := range s.Rows {
				if err := g.validateEdge(n.ID, r.ReplyID()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (g *FlowGraph) validateEdge(from, to string) error {
	if to == "" || to == EndNodeID {
		return nil
	}
	if g.Node(to) == nil {
		return fmt.Errorf("flow %s: node %s -> %s: %w", g.Name, from, to, ErrDanglingEdge)
	}
	return nil
}
