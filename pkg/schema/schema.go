// Package schema defines the Go struct types for the execution tree YAML
// schema and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node is one unit of the execution tree: a command, the patterns watched on
// its output and the child nodes cascaded from it.
type Node struct {
	Name       string         `yaml:"name"                 json:"name"                 jsonschema:"required,minLength=1"`
	Cmd        string         `yaml:"cmd,omitempty"        json:"cmd,omitempty"`
	Vars       map[string]any `yaml:"vars,omitempty"       json:"vars,omitempty"`
	Enabled    *bool          `yaml:"enabled,omitempty"    json:"enabled,omitempty"`
	Condition  string         `yaml:"condition,omitempty"  json:"condition,omitempty"`
	Patterns   []Pattern      `yaml:"patterns,omitempty"   json:"patterns,omitempty"`
	Files      []File         `yaml:"files,omitempty"      json:"files,omitempty"`
	LogFile    string         `yaml:"logfile,omitempty"    json:"logfile,omitempty"`
	Timeout    string         `yaml:"timeout,omitempty"    json:"timeout,omitempty"    jsonschema:"pattern=^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"`
	Submodules *Submodules    `yaml:"submodules,omitempty" json:"submodules,omitempty"`
}

// Pattern is a streaming match rule applied to every output line.
// Pattern, each entry of Groups and Log are templates.
type Pattern struct {
	Pattern string   `yaml:"pattern"        json:"pattern"        jsonschema:"required"`
	Groups  []string `yaml:"groups,omitempty" json:"groups,omitempty"`
	Log     string   `yaml:"log,omitempty"  json:"log,omitempty"`
}

// FileType selects how a File's content is materialized.
type FileType string

const (
	FileText   FileType = "text"
	FileBase64 FileType = "base64"
	FileRemote FileType = "remote"
	// FileWget is the legacy spelling of FileRemote.
	FileWget FileType = "wget"
)

// File is an ephemeral input file whose path is bound into the scope under Name.
type File struct {
	Name    string   `yaml:"name"    json:"name"    jsonschema:"required,minLength=1"`
	Type    FileType `yaml:"type"    json:"type"    jsonschema:"required,enum=text,enum=base64,enum=remote,enum=wget"`
	Content string   `yaml:"content" json:"content" jsonschema:"required"`
}

// Submodules holds the two cascade groups of a node.
type Submodules struct {
	OnMatch []Node `yaml:"on_match,omitempty" json:"on_match,omitempty"`
	Always  []Node `yaml:"always,omitempty"   json:"always,omitempty"`
}

// Group names a cascade group.
type Group string

const (
	GroupOnMatch Group = "on_match"
	GroupAlways  Group = "always"
)

// Children returns the child definitions of the given group.
func (n *Node) Children(g Group) []Node {
	if n.Submodules == nil {
		return nil
	}
	switch g {
	case GroupOnMatch:
		return n.Submodules.OnMatch
	case GroupAlways:
		return n.Submodules.Always
	}
	return nil
}

// IsEnabled reports the hard gate. An absent flag counts as enabled.
func (n *Node) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// CommandTimeout parses Timeout. Zero means no node-level timeout.
func (n *Node) CommandTimeout() (time.Duration, error) {
	if n.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return 0, fmt.Errorf("node %q: timeout: %w", n.Name, err)
	}
	return d, nil
}

// Walk calls fn for n and every descendant, depth first, on_match before always.
func Walk(n *Node, fn func(*Node)) {
	fn(n)
	if n.Submodules == nil {
		return
	}
	for i := range n.Submodules.OnMatch {
		Walk(&n.Submodules.OnMatch[i], fn)
	}
	for i := range n.Submodules.Always {
		Walk(&n.Submodules.Always[i], fn)
	}
}

// LoadFile reads and strictly decodes an execution tree file.
// JSON trees are accepted as well since JSON is valid YAML.
func LoadFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tree: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads an execution tree from a reader. Unknown fields are rejected.
func Load(r io.Reader) (*Node, error) {
	var n Node
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return &n, nil
}
