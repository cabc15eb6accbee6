package builtin

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strconv"

	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

// AnalyzeGo parses a Go source file (args["path"]) or snippet
// (args["source"]) and summarises its declarations. A syntax error is a
// tool failure.
func (s *Sandbox) AnalyzeGo() registry.Tool {
	return registry.NewFunc("analyze_go", "Parses Go source and lists its package, imports and declarations.",
		func(_ context.Context, args registry.Args) (any, error) {
			var (
				filename string
				src      any
			)
			if source := args.String("source"); source != "" {
				filename = "snippet.go"
				src = source
			} else {
				abs, err := s.Resolve(args.String("path"))
				if err != nil {
					return nil, err
				}
				filename = abs
			}

			fset := token.NewFileSet()
			file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
			if err != nil {
				return nil, fmt.Errorf("analyze_go: %w", err)
			}
			return summarize(file), nil
		})
}

func summarize(file *ast.File) map[string]any {
	imports := make([]any, 0, len(file.Imports))
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			path = imp.Path.Value
		}
		imports = append(imports, path)
	}

	var funcs, types []string
	exported := 0
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			name := d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				name = receiverName(d.Recv.List[0].Type) + "." + name
			}
			funcs = append(funcs, name)
			if d.Name.IsExported() {
				exported++
			}
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts := spec.(*ast.TypeSpec)
				types = append(types, ts.Name.Name)
				if ts.Name.IsExported() {
					exported++
				}
			}
		}
	}
	sort.Strings(funcs)
	sort.Strings(types)

	return map[string]any{
		"package":  file.Name.Name,
		"imports":  imports,
		"funcs":    toAnySlice(funcs),
		"types":    toAnySlice(types),
		"exported": exported,
		"passed":   true,
	}
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	default:
		return "?"
	}
}

func toAnySlice(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
