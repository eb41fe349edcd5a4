// Package slicer extracts targeted source slices from Python context files
// using Tree-sitter. The gateway sends the slice relevant to the prompt
// instead of whole files, shrinking egress context; any slicer failure falls
// back to raw content upstream.
package slicer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"dhi/internal/logging"
)

// SymbolKind labels extracted Python symbols.
type SymbolKind string

const (
	SymbolFunction SymbolKind = "function"
	SymbolClass    SymbolKind = "class"
)

// Symbol is one top-level definition found in a context file.
type Symbol struct {
	Name      string
	Kind      SymbolKind
	StartLine int // 1-based
	EndLine   int // 1-based, inclusive
	StartByte uint32
	EndByte   uint32
}

// SliceRequest asks for the slice containing a target symbol or line.
type SliceRequest struct {
	FilePath   string
	Target     string
	TargetLine int
}

// SliceResult carries the extracted slice and its accounting.
type SliceResult struct {
	Found       bool
	Target      string
	Source      string
	SymbolCount int
	SliceBytes  int
	Error       string
}

// Slicer parses Python sources with a shared Tree-sitter parser.
type Slicer struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

// New creates a slicer with a Python grammar parser.
func New() *Slicer {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &Slicer{parser: p}
}

// Close releases the parser.
func (s *Slicer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parser.Close()
}

// parse runs the shared parser under the lock.
func (s *Slicer) parse(content []byte) (*sitter.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parser.ParseCtx(context.Background(), nil, content)
}

// ExtractSymbols returns the top-level function and class definitions in a
// Python source, decorated definitions included.
func (s *Slicer) ExtractSymbols(content []byte) ([]Symbol, error) {
	tree, err := s.parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	var symbols []Symbol

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "function_definition", "class_definition":
			if sym, ok := symbolFromNode(child, child, content); ok {
				symbols = append(symbols, sym)
			}
		case "decorated_definition":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				inner := child.NamedChild(j)
				if inner.Type() == "function_definition" || inner.Type() == "class_definition" {
					// The slice spans the decorators too.
					if sym, ok := symbolFromNode(inner, child, content); ok {
						symbols = append(symbols, sym)
					}
				}
			}
		}
	}
	return symbols, nil
}

// symbolFromNode builds a Symbol for def, using span for its byte/line
// extent (span differs from def for decorated definitions).
func symbolFromNode(def, span *sitter.Node, content []byte) (Symbol, bool) {
	nameNode := def.ChildByFieldName("name")
	if nameNode == nil {
		return Symbol{}, false
	}

	kind := SymbolFunction
	if def.Type() == "class_definition" {
		kind = SymbolClass
	}

	return Symbol{
		Name:      string(content[nameNode.StartByte():nameNode.EndByte()]),
		Kind:      kind,
		StartLine: int(span.StartPoint().Row) + 1,
		EndLine:   int(span.EndPoint().Row) + 1,
		StartByte: span.StartByte(),
		EndByte:   span.EndByte(),
	}, true
}

// Slice reads the requested file and returns the source slice for the
// target symbol (by name or containing line).
func (s *Slicer) Slice(req SliceRequest) SliceResult {
	content, err := os.ReadFile(req.FilePath)
	if err != nil {
		return SliceResult{Target: req.Target, Error: fmt.Sprintf("read failed: %v", err)}
	}

	symbols, err := s.ExtractSymbols(content)
	if err != nil {
		return SliceResult{Target: req.Target, Error: err.Error()}
	}
	if len(symbols) == 0 {
		return SliceResult{Target: req.Target, Error: "no symbols found"}
	}

	var chosen *Symbol
	switch {
	case req.Target != "":
		for i := range symbols {
			if symbols[i].Name == req.Target {
				chosen = &symbols[i]
				break
			}
		}
	case req.TargetLine > 0:
		for i := range symbols {
			if req.TargetLine >= symbols[i].StartLine && req.TargetLine <= symbols[i].EndLine {
				chosen = &symbols[i]
				break
			}
		}
	default:
		chosen = &symbols[0]
	}

	if chosen == nil {
		return SliceResult{
			Target:      req.Target,
			SymbolCount: len(symbols),
			Error:       "target symbol not found",
		}
	}

	source := string(content[chosen.StartByte:chosen.EndByte])
	logging.SlicerDebug("sliced %s: target=%s lines=%d-%d bytes=%d",
		req.FilePath, chosen.Name, chosen.StartLine, chosen.EndLine, len(source))

	return SliceResult{
		Found:       true,
		Target:      chosen.Name,
		Source:      source,
		SymbolCount: len(symbols),
		SliceBytes:  len(source),
	}
}

// ValidatePython returns syntax error details for invalid Python code,
// or empty string when the source parses cleanly. The gate runs before any
// candidate reaches the sandbox.
func (s *Slicer) ValidatePython(code string) string {
	if strings.TrimSpace(code) == "" {
		return "candidate code is completely empty"
	}

	content := []byte(code)
	tree, err := s.parse(content)
	if err != nil {
		return fmt.Sprintf("parse error: %v", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return ""
	}

	if bad := findErrorNode(root); bad != nil {
		return fmt.Sprintf("SyntaxError at line %d: invalid syntax near %q",
			int(bad.StartPoint().Row)+1, snippet(content, bad))
	}
	return "SyntaxError: source does not parse"
}

func findErrorNode(node *sitter.Node) *sitter.Node {
	if node.Type() == "ERROR" || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := findErrorNode(node.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

func snippet(content []byte, node *sitter.Node) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(content)) {
		end = uint32(len(content))
	}
	text := string(content[start:end])
	if len(text) > 40 {
		text = text[:40] + "..."
	}
	return text
}
