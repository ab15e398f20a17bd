package server

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/stackvm/pkg/bytecode"
	"github.com/chazu/stackvm/pkg/progfile"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "stackvm-lsp"

// LspServer provides editor support for TOML and YAML program listings:
// diagnostics from assembling and validating the listing, completion and
// hover for mnemonics, and navigation between function names.
type LspServer struct {
	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server.
func NewLSP() *LspServer {
	s := &LspServer{
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "stackvm LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"\""},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	s.setDocument(uri, params.TextDocument.Text)
	s.publishDiagnostics(ctx, uri, params.TextDocument.Text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.setDocument(uri, whole.Text)
			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) setDocument(uri protocol.DocumentUri, text string) {
	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return complete(params.TextDocument.URI, text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return hover(params.TextDocument.URI, text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	if locs := definition(params.TextDocument.URI, text, word); len(locs) > 0 {
		return locs, nil
	}
	return nil, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return references(params.TextDocument.URI, text, word), nil
}

// --- Listing-backed logic ---

// listing parses the document as a listing, or returns nil when the
// document is not one or does not parse.
func listing(uri protocol.DocumentUri, text string) *progfile.File {
	f, err := progfile.DecodeListing([]byte(text), progfile.FormatFor(string(uri)))
	if err != nil {
		return nil
	}
	return f
}

func lookupFunction(f *progfile.File, name string) (int, progfile.Function, bool) {
	if f == nil {
		return 0, progfile.Function{}, false
	}
	for i, fn := range f.Functions {
		if fn.Name == name {
			return i, fn, true
		}
	}
	return 0, progfile.Function{}, false
}

func complete(uri protocol.DocumentUri, text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)

	// Mnemonics
	for _, op := range bytecode.AllOpcodes() {
		info := bytecode.GetOpcodeInfo(op)
		if strings.HasPrefix(info.Name, lowerPrefix) {
			kind := protocol.CompletionItemKindKeyword
			detail := opcodeSignature(op, info)
			name := info.Name
			items = append(items, protocol.CompletionItem{
				Label:      name,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &name,
			})
		}
	}

	// Function names, usable as call and funcidx operands
	if f := listing(uri, text); f != nil {
		for i, fn := range f.Functions {
			if fn.Name == "" || !strings.HasPrefix(strings.ToLower(fn.Name), lowerPrefix) {
				continue
			}
			kind := protocol.CompletionItemKindFunction
			detail := fmt.Sprintf("function %d (arity %d)", i, fn.Arity)
			name := fn.Name
			items = append(items, protocol.CompletionItem{
				Label:      name,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &name,
			})
		}
	}

	return items
}

func opcodeSignature(op bytecode.Opcode, info bytecode.OpcodeInfo) string {
	pops := fmt.Sprint(info.StackPop)
	if info.StackPop < 0 {
		pops = "arity"
	}
	return fmt.Sprintf("opcode %d, %d operand(s), pops %s, pushes %d", op, info.Operands, pops, info.StackPush)
}

func hover(uri protocol.DocumentUri, text, word string) *protocol.Hover {
	var b strings.Builder
	if op, ok := bytecode.Lookup(word); ok {
		info := bytecode.GetOpcodeInfo(op)
		fmt.Fprintf(&b, "**%s**\n\n%s", info.Name, opcodeSignature(op, info))
	} else if i, fn, ok := lookupFunction(listing(uri, text), word); ok {
		fmt.Fprintf(&b, "**%s** (function %d)\n\narity %d, locals %d, entry %04d",
			fn.Name, i, fn.Arity, fn.Locals, fn.Entry)
	} else {
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

// definition locates the function table entry that declares word.
func definition(uri protocol.DocumentUri, text, word string) []protocol.Location {
	if _, _, ok := lookupFunction(listing(uri, text), word); !ok {
		return nil
	}
	for _, r := range findWord(text, word) {
		if isNameKey(text, r) {
			return []protocol.Location{{URI: uri, Range: r}}
		}
	}
	return nil
}

// references returns every use of the function word as an operand.
func references(uri protocol.DocumentUri, text, word string) []protocol.Location {
	if _, _, ok := lookupFunction(listing(uri, text), word); !ok {
		return nil
	}
	var locations []protocol.Location
	for _, r := range findWord(text, word) {
		if !isNameKey(text, r) {
			locations = append(locations, protocol.Location{URI: uri, Range: r})
		}
	}
	return locations
}

// isNameKey reports whether the word at r is the value of a name key.
func isNameKey(text string, r protocol.Range) bool {
	line := strings.Split(text, "\n")[r.Start.Line]
	before := strings.TrimSpace(line[:r.Start.Character])
	before = strings.TrimSuffix(before, "\"")
	before = strings.TrimSpace(before)
	before = strings.TrimRight(before, "=:")
	before = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(before), "-"))
	return before == "name"
}

// findWord returns the ranges of all whole-word occurrences of word.
func findWord(text, word string) []protocol.Range {
	var ranges []protocol.Range
	for lineNo, line := range strings.Split(text, "\n") {
		for col := 0; col+len(word) <= len(line); {
			i := strings.Index(line[col:], word)
			if i < 0 {
				break
			}
			start, end := col+i, col+i+len(word)
			if (start == 0 || !isWordChar(rune(line[start-1]))) && (end == len(line) || !isWordChar(rune(line[end]))) {
				ranges = append(ranges, protocol.Range{
					Start: protocol.Position{Line: protocol.UInteger(lineNo), Character: protocol.UInteger(start)},
					End:   protocol.Position{Line: protocol.UInteger(lineNo), Character: protocol.UInteger(end)},
				})
			}
			col = end
		}
	}
	return ranges
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnose(uri, text),
	})
}

// diagnose assembles and validates a listing.
func diagnose(uri protocol.DocumentUri, text string) []protocol.Diagnostic {
	format := progfile.FormatFor(string(uri))
	if format != progfile.FormatTOML && format != progfile.FormatYAML {
		return []protocol.Diagnostic{}
	}

	prog, err := progfile.Decode([]byte(text), format)
	if err == nil {
		err = prog.Validate()
	}
	if err == nil {
		return []protocol.Diagnostic{}
	}

	severity := protocol.DiagnosticSeverityError
	source := lspName
	return []protocol.Diagnostic{{
		Range: protocol.Range{
			Start: protocol.Position{Line: 0, Character: 0},
			End:   protocol.Position{Line: 0, Character: 0},
		},
		Severity: &severity,
		Source:   &source,
		Message:  err.Error(),
	}}
}

// --- Text extraction helpers ---

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '-'
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isWordChar(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isWordChar(rune(line[end])) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
