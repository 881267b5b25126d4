package schema

import (
	"strings"
	"testing"
)

func TestValidateFile_Reference(t *testing.T) {
	root, errs := ValidateFile("../../testdata/valid/reference.yaml")
	if HasErrors(errs) {
		t.Fatalf("expected valid, got: %v", errs)
	}
	if root == nil {
		t.Fatal("expected decoded tree")
	}
}

func TestValidateFile_PortscanJSON(t *testing.T) {
	_, errs := ValidateFile("../../testdata/valid/portscan.json")
	if HasErrors(errs) {
		t.Fatalf("expected valid, got: %v", errs)
	}
}

func TestValidateFile_Structural(t *testing.T) {
	root, errs := ValidateFile("../../testdata/invalid/unknown-fields.yaml")
	if root != nil {
		t.Error("expected no tree on structural failure")
	}
	if len(errs) != 1 || errs[0].Phase != "structural" {
		t.Errorf("errs = %v", errs)
	}
}

func TestValidateFile_DomainErrors(t *testing.T) {
	_, errs := ValidateFile("../../testdata/invalid/group-mismatch.yaml")
	if !HasErrors(errs) {
		t.Fatal("expected errors")
	}
	wantPaths := []string{"patterns[0].groups", "files[0].type", "submodules.always[0].name"}
	for _, want := range wantPaths {
		found := false
		for _, e := range errs {
			if e.Phase == "domain" && e.Path == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing domain error at %s; got %v", want, errs)
		}
	}
}

func TestValidateDomain_CmdRequiredUnlessDisabled(t *testing.T) {
	disabled := false
	root := &Node{
		Name: "root",
		Cmd:  "echo",
		Submodules: &Submodules{
			Always: []Node{
				{Name: "no-cmd"},
				{Name: "off", Enabled: &disabled},
			},
		},
	}
	errs := ValidateDomain(root)
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one", errs)
	}
	if errs[0].Path != "submodules.always[0].cmd" {
		t.Errorf("path = %q", errs[0].Path)
	}
}

func TestValidateDomain_TemplatedPatternSkipped(t *testing.T) {
	root := &Node{
		Name: "root",
		Cmd:  "echo",
		Patterns: []Pattern{
			{Pattern: "({prefix}[0-9]+", Groups: []string{"n"}},
		},
	}
	if errs := ValidateDomain(root); len(errs) != 0 {
		t.Errorf("templated pattern should be checked at run time, got %v", errs)
	}
}

func TestValidateDomain_InvalidRegex(t *testing.T) {
	root := &Node{
		Name:     "root",
		Cmd:      "echo",
		Patterns: []Pattern{{Pattern: "(unclosed", Groups: []string{"x"}}},
	}
	errs := ValidateDomain(root)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "invalid regex") {
		t.Errorf("errs = %v", errs)
	}
}

func TestValidateDomain_Condition(t *testing.T) {
	root := &Node{Name: "root", Cmd: "echo", Condition: "1 ==== 2"}
	errs := ValidateDomain(root)
	if len(errs) != 1 || errs[0].Path != "condition" {
		t.Errorf("errs = %v", errs)
	}

	root.Condition = "'{port}' == '80'"
	if errs := ValidateDomain(root); len(errs) != 0 {
		t.Errorf("templated condition should not be checked, got %v", errs)
	}
}

func TestValidateDomain_DuplicateFileAndLegacyType(t *testing.T) {
	root := &Node{
		Name: "root",
		Cmd:  "cat {f}",
		Files: []File{
			{Name: "f", Type: FileText, Content: "a"},
			{Name: "f", Type: FileWget, Content: "http://example.invalid/x"},
		},
	}
	errs := ValidateDomain(root)
	var sawDup, sawWarn bool
	for _, e := range errs {
		if strings.Contains(e.Message, "duplicate") {
			sawDup = true
		}
		if e.Severity == "warning" && strings.Contains(e.Message, "deprecated") {
			sawWarn = true
		}
	}
	if !sawDup || !sawWarn {
		t.Errorf("errs = %v", errs)
	}
}

func TestHasErrors_WarningsOnly(t *testing.T) {
	errs := []*ValidationError{{Phase: "domain", Severity: "warning"}}
	if HasErrors(errs) {
		t.Error("warnings alone should not count as errors")
	}
}
