package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"
)

const tomlURI = protocol.DocumentUri("file:///work/funcptr.toml")

const funcptrTOML = `globals = 0
code = [
  "iconst", 10,
  "funcidx", "double",
  "callidx",
  "print",
  "halt",
  "load", 0, "iconst", 2, "imul", "ret",
]

[[functions]]
name = "double"
arity = 1
locals = 1
entry = 7
`

// ---------------------------------------------------------------------------
// Text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"simple", `"iconst", 1, "ia`, protocol.Position{Line: 0, Character: 16}, "ia"},
		{"at start", "hal", protocol.Position{Line: 0, Character: 3}, "hal"},
		{"empty line", "", protocol.Position{Line: 0, Character: 0}, ""},
		{"multi line", "first\nsecond\nfpr", protocol.Position{Line: 2, Character: 3}, "fpr"},
		{"hyphenated name", `"call", "funcptr-a`, protocol.Position{Line: 0, Character: 18}, "funcptr-a"},
		{"cursor at beginning", "halt", protocol.Position{Line: 0, Character: 0}, ""},
		{"line beyond document", "halt", protocol.Position{Line: 5, Character: 0}, ""},
		{"after quote", `"`, protocol.Position{Line: 0, Character: 1}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPrefix(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"inside", `"iconst", 10`, protocol.Position{Line: 0, Character: 3}, "iconst"},
		{"at end", `"iconst", 10`, protocol.Position{Line: 0, Character: 7}, "iconst"},
		{"second word", `"call", "double"`, protocol.Position{Line: 0, Character: 11}, "double"},
		{"empty line", "", protocol.Position{Line: 0, Character: 0}, ""},
		{"multi line", "first\nhalt", protocol.Position{Line: 1, Character: 2}, "halt"},
		{"underscore", "my_fn", protocol.Position{Line: 0, Character: 3}, "my_fn"},
		{"line beyond document", "halt", protocol.Position{Line: 5, Character: 0}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractWord(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true) did not point at true")
	}
	if p := boolPtr(false); p == nil || *p {
		t.Error("boolPtr(false) did not point at false")
	}
}

// ---------------------------------------------------------------------------
// Listing features
// ---------------------------------------------------------------------------

func labels(items []protocol.CompletionItem) []string {
	var out []string
	for _, item := range items {
		out = append(out, item.Label)
	}
	return out
}

func TestCompleteMnemonics(t *testing.T) {
	got := labels(complete(tomlURI, funcptrTOML, "f"))
	for _, want := range []string{"fadd", "fconst", "fprint", "funcidx"} {
		if !containsString(got, want) {
			t.Errorf("complete(f) = %v, missing %s", got, want)
		}
	}
	if containsString(got, "iadd") {
		t.Errorf("complete(f) = %v includes iadd", got)
	}
}

func TestCompleteFunctionNames(t *testing.T) {
	items := complete(tomlURI, funcptrTOML, "dou")
	if len(items) != 1 || items[0].Label != "double" {
		t.Fatalf("complete(dou) = %v", labels(items))
	}
	if *items[0].Kind != protocol.CompletionItemKindFunction {
		t.Errorf("Kind = %v, want function", *items[0].Kind)
	}
	if !strings.Contains(*items[0].Detail, "function 0") {
		t.Errorf("Detail = %q", *items[0].Detail)
	}
}

func TestHover(t *testing.T) {
	h := hover(tomlURI, funcptrTOML, "iadd")
	if h == nil {
		t.Fatal("no hover for iadd")
	}
	value := h.Contents.(protocol.MarkupContent).Value
	if !strings.Contains(value, "**iadd**") || !strings.Contains(value, "pops 2, pushes 1") {
		t.Errorf("hover(iadd) = %q", value)
	}

	h = hover(tomlURI, funcptrTOML, "call")
	if value := h.Contents.(protocol.MarkupContent).Value; !strings.Contains(value, "pops arity") {
		t.Errorf("hover(call) = %q", value)
	}

	h = hover(tomlURI, funcptrTOML, "double")
	if h == nil {
		t.Fatal("no hover for a function")
	}
	value = h.Contents.(protocol.MarkupContent).Value
	if !strings.Contains(value, "arity 1, locals 1, entry 0007") {
		t.Errorf("hover(double) = %q", value)
	}

	if h := hover(tomlURI, funcptrTOML, "nothing"); h != nil {
		t.Errorf("hover(unknown) = %+v", h)
	}
}

func TestDefinition(t *testing.T) {
	locs := definition(tomlURI, funcptrTOML, "double")
	if len(locs) != 1 {
		t.Fatalf("definition = %+v", locs)
	}
	if locs[0].URI != tomlURI || locs[0].Range.Start.Line != 11 || locs[0].Range.Start.Character != 8 {
		t.Errorf("definition range = %+v", locs[0].Range)
	}
	if locs := definition(tomlURI, funcptrTOML, "iadd"); locs != nil {
		t.Errorf("definition(opcode) = %+v", locs)
	}
}

func TestDefinitionYAML(t *testing.T) {
	const uri = protocol.DocumentUri("file:///work/funcptr.yaml")
	text := "code: [iconst, 10, call, double, print, halt, load, 0, iconst, 2, imul, ret]\n" +
		"functions:\n" +
		"  - name: double\n" +
		"    arity: 1\n" +
		"    locals: 1\n" +
		"    entry: 6\n"

	locs := definition(uri, text, "double")
	if len(locs) != 1 || locs[0].Range.Start.Line != 2 {
		t.Fatalf("definition = %+v", locs)
	}
	refs := references(uri, text, "double")
	if len(refs) != 1 || refs[0].Range.Start.Line != 0 {
		t.Errorf("references = %+v", refs)
	}
}

func TestReferences(t *testing.T) {
	refs := references(tomlURI, funcptrTOML, "double")
	if len(refs) != 1 {
		t.Fatalf("references = %+v", refs)
	}
	if refs[0].Range.Start.Line != 3 {
		t.Errorf("reference on line %d, want 3", refs[0].Range.Start.Line)
	}
	if refs := references(tomlURI, funcptrTOML, "nope"); len(refs) != 0 {
		t.Errorf("references(unknown) = %+v", refs)
	}
}

func TestDiagnose(t *testing.T) {
	if d := diagnose(tomlURI, funcptrTOML); len(d) != 0 {
		t.Errorf("valid listing produced %+v", d)
	}

	tests := []struct {
		name string
		text string
		want string
	}{
		{"parse error", "code = [", "parse error"},
		{"unknown mnemonic", `code = ["nop"]`, "unknown mnemonic"},
		{"bad branch", `code = ["br", 99]`, "target 99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := diagnose(tomlURI, tt.text)
			if len(d) != 1 || !strings.Contains(d[0].Message, tt.want) {
				t.Fatalf("diagnose = %+v, want %q", d, tt.want)
			}
			if *d[0].Severity != protocol.DiagnosticSeverityError || *d[0].Source != lspName {
				t.Errorf("diagnostic = %+v", d[0])
			}
		})
	}

	if d := diagnose("file:///work/prog.svbc", "garbage"); len(d) != 0 {
		t.Errorf("non-listing documents should not be diagnosed: %+v", d)
	}
}

func TestLSPDocumentStore(t *testing.T) {
	lsp := NewLSP()

	lsp.setDocument(tomlURI, funcptrTOML)
	text, ok := lsp.document(tomlURI)
	if !ok || text != funcptrTOML {
		t.Errorf("document = %q, %v", text, ok)
	}

	lsp.mu.Lock()
	delete(lsp.docs, string(tomlURI))
	lsp.mu.Unlock()
	if _, ok := lsp.document(tomlURI); ok {
		t.Error("document should be removed after close")
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
