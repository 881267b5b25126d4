package schema

import "strings"

// SetVar overrides variables across the tree before execution.
// For every node whose name contains nodeMatch, each declared var whose name
// contains varMatch is set to value. When a matching node declares no such
// var, varMatch is added as a new var.
func SetVar(root *Node, nodeMatch, varMatch string, value any) {
	Walk(root, func(n *Node) {
		if !strings.Contains(n.Name, nodeMatch) {
			return
		}
		updated := false
		for name := range n.Vars {
			if strings.Contains(name, varMatch) {
				n.Vars[name] = value
				updated = true
			}
		}
		if !updated {
			if n.Vars == nil {
				n.Vars = make(map[string]any)
			}
			n.Vars[varMatch] = value
		}
	})
}

// SetEnabled sets the enabled flag on every node whose name contains nodeMatch.
func SetEnabled(root *Node, nodeMatch string, enabled bool) {
	Walk(root, func(n *Node) {
		if strings.Contains(n.Name, nodeMatch) {
			v := enabled
			n.Enabled = &v
		}
	})
}
