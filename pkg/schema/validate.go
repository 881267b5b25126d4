package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/cascade/pkg/scope"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "submodules.always[0].cmd")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile performs the full 3-phase validation pipeline on a tree file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Node, []*ValidationError) {
	root, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Path:     "",
			Message:  err.Error(),
			Severity: "error",
		}}
	}
	return root, Validate(root)
}

// Validate runs the semantic and domain phases on an already decoded tree.
func Validate(root *Node) []*ValidationError {
	var allErrors []*ValidationError
	allErrors = append(allErrors, validateSemantic(root)...)
	allErrors = append(allErrors, ValidateDomain(root)...)
	if len(allErrors) > 0 {
		return allErrors
	}
	return nil
}

// HasErrors reports whether errs contains anything above warning severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

// validateSemantic validates the tree against the generated JSON Schema.
func validateSemantic(root *Node) []*ValidationError {
	semanticErr := func(format string, args ...any) []*ValidationError {
		return []*ValidationError{{
			Phase:    "semantic",
			Path:     "",
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		}}
	}

	data, err := json.Marshal(root)
	if err != nil {
		return semanticErr("marshal for schema validation: %v", err)
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semanticErr("generate schema: %v", err)
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semanticErr("unmarshal schema: %v", err)
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("tree-v0.json", schemaDoc); err != nil {
		return semanticErr("add schema resource: %v", err)
	}
	sch, err := c.Compile("tree-v0.json")
	if err != nil {
		return semanticErr("compile schema: %v", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return semanticErr("unmarshal document: %v", err)
	}

	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return semanticErr("%v", err)
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Path:     strings.Join(cause.InstanceLocation, "/"),
				Message:  fmt.Sprintf("%v", cause.ErrorKind),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation over the whole tree.
// Returns a slice of errors; empty means valid.
func ValidateDomain(root *Node) []*ValidationError {
	var errs []*ValidationError
	validateNode(root, "", &errs)
	return errs
}

func validateNode(n *Node, path string, errs *[]*ValidationError) {
	at := func(field string) string {
		if path == "" {
			return field
		}
		return path + "." + field
	}
	add := func(field, severity, format string, args ...any) {
		*errs = append(*errs, &ValidationError{
			Phase:    "domain",
			Path:     at(field),
			Message:  fmt.Sprintf(format, args...),
			Severity: severity,
		})
	}

	if strings.TrimSpace(n.Name) == "" {
		add("name", "error", "node requires a name")
	}
	if strings.TrimSpace(n.Cmd) == "" && n.IsEnabled() {
		add("cmd", "error", "node %q requires a cmd unless it is disabled", n.Name)
	}

	if n.Condition != "" && !scope.HasPlaceholders(n.Condition) {
		condition, _ := scope.Resolve(n.Condition, nil)
		if _, err := expr.Compile(condition); err != nil {
			add("condition", "error", "invalid condition %q: %v", n.Condition, err)
		}
	}

	if _, err := n.CommandTimeout(); err != nil {
		add("timeout", "error", "%v", err)
	}

	for i, p := range n.Patterns {
		field := fmt.Sprintf("patterns[%d]", i)
		if scope.HasPlaceholders(p.Pattern) {
			continue
		}
		src, _ := scope.Resolve(p.Pattern, nil)
		re, err := regexp.Compile(src)
		if err != nil {
			add(field+".pattern", "error", "invalid regex %q: %v", p.Pattern, err)
			continue
		}
		if re.NumSubexp() != len(p.Groups) {
			add(field+".groups", "error", "pattern %q has %d capture group(s) but %d group name(s)",
				p.Pattern, re.NumSubexp(), len(p.Groups))
		}
	}

	seen := make(map[string]bool)
	for i, f := range n.Files {
		field := fmt.Sprintf("files[%d]", i)
		switch f.Type {
		case FileText, FileBase64, FileRemote:
		case FileWget:
			add(field+".type", "warning", "file type %q is deprecated, use %q", FileWget, FileRemote)
		default:
			add(field+".type", "error", "invalid file type %q: must be text, base64, or remote", f.Type)
		}
		if seen[f.Name] {
			add(field+".name", "error", "duplicate file name %q", f.Name)
		}
		seen[f.Name] = true
		if _, ok := n.Vars[f.Name]; ok {
			add(field+".name", "warning", "file %q shadows a declared var of the same name", f.Name)
		}
	}

	if n.Submodules == nil {
		return
	}
	for i := range n.Submodules.OnMatch {
		validateNode(&n.Submodules.OnMatch[i], at(fmt.Sprintf("submodules.on_match[%d]", i)), errs)
	}
	for i := range n.Submodules.Always {
		validateNode(&n.Submodules.Always[i], at(fmt.Sprintf("submodules.always[%d]", i)), errs)
	}
}
