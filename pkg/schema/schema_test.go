package schema

import (
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadValidTrees ensures valid fixtures parse without errors.
func TestLoadValidTrees(t *testing.T) {
	files, err := filepath.Glob("../../testdata/valid/*")
	if err != nil {
		t.Fatalf("glob valid fixtures: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no valid test fixtures found")
	}
	for _, f := range files {
		name := filepath.Base(f)
		t.Run(name, func(t *testing.T) {
			root, err := LoadFile(f)
			if err != nil {
				t.Fatalf("expected valid, got error: %v", err)
			}
			if root.Name == "" {
				t.Error("name is empty")
			}
			if root.Cmd == "" {
				t.Error("cmd is empty")
			}
		})
	}
}

func TestLoad_ReferenceTree(t *testing.T) {
	root, err := LoadFile("../../testdata/valid/reference.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if root.Vars["var1"] != "foo" {
		t.Errorf("vars.var1 = %v", root.Vars["var1"])
	}
	if len(root.Patterns) != 1 || root.Patterns[0].Groups[0] != "var2" {
		t.Fatalf("patterns = %+v", root.Patterns)
	}
	always := root.Children(GroupAlways)
	if len(always) != 1 || always[0].Name != "always" {
		t.Fatalf("always = %+v", always)
	}
	if always[0].Vars["var3"] != 42 {
		t.Errorf("always vars.var3 = %#v, want int 42", always[0].Vars["var3"])
	}
	if len(root.Children(GroupOnMatch)) != 1 {
		t.Errorf("on_match count = %d", len(root.Children(GroupOnMatch)))
	}
	if len(root.Files) != 2 || root.Files[1].Type != FileBase64 {
		t.Errorf("files = %+v", root.Files)
	}
	if root.Files[0].Content != "some text\non two lines\n" {
		t.Errorf("file1 content = %q", root.Files[0].Content)
	}
}

// TestLoadRejectsUnknownFields verifies that strict mode rejects unknown keys.
func TestLoadRejectsUnknownFields(t *testing.T) {
	root, err := LoadFile("../../testdata/invalid/unknown-fields.yaml")
	if err == nil {
		t.Fatalf("expected error for unknown fields, got tree with name=%q", root.Name)
	}
	if !strings.Contains(err.Error(), "command") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoad_JSON(t *testing.T) {
	root, err := Load(strings.NewReader(`{"name": "n", "cmd": "echo", "enabled": false}`))
	if err != nil {
		t.Fatal(err)
	}
	if root.IsEnabled() {
		t.Error("expected enabled=false")
	}
}

func TestNode_IsEnabled_DefaultTrue(t *testing.T) {
	n := &Node{Name: "n"}
	if !n.IsEnabled() {
		t.Error("absent enabled flag should count as enabled")
	}
}

func TestNode_CommandTimeout(t *testing.T) {
	n := &Node{Name: "n", Timeout: "90s"}
	d, err := n.CommandTimeout()
	if err != nil {
		t.Fatal(err)
	}
	if d.Seconds() != 90 {
		t.Errorf("timeout = %v", d)
	}

	n.Timeout = "soon"
	if _, err := n.CommandTimeout(); err == nil {
		t.Error("expected parse error")
	}
}

func TestWalk_VisitsAllNodes(t *testing.T) {
	root, err := LoadFile("../../testdata/valid/reference.yaml")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	Walk(root, func(n *Node) { names = append(names, n.Name) })
	want := "unittest,on-match,always"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("walk order = %q, want %q", got, want)
	}
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"on_match", "always", "patterns", "logfile"} {
		if !strings.Contains(string(data), `"`+field+`"`) {
			t.Errorf("schema missing field %q", field)
		}
	}
}
