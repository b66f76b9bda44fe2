// ABOUTME: Source unit inspection for bulk import and test matching
// ABOUTME: Splits top-level function definitions from preamble code by line span

package script

import (
	"slices"
	"strings"

	"github.com/iancoleman/strcase"
	"go.starlark.net/syntax"
)

// Definition is a top-level function definition found in a source unit.
type Definition struct {
	Name      string
	Source    string
	Doc       string
	StartLine int
	EndLine   int
}

// DefinedFunctions returns the names of the top-level functions in source.
func DefinedFunctions(source, label string) ([]string, error) {
	f, err := parse(source, label)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, stmt := range f.Stmts {
		if def, ok := stmt.(*syntax.DefStmt); ok {
			names = append(names, def.Name.Name)
		}
	}
	return names, nil
}

// Split separates the top-level definitions selected by keep from the rest of
// source. The remainder keeps its original line order.
func Split(source, label string, keep func(name string) bool) ([]Definition, string, error) {
	f, err := parse(source, label)
	if err != nil {
		return nil, "", err
	}

	lines := strings.Split(source, "\n")
	taken := make([]bool, len(lines))
	var defs []Definition

	for _, stmt := range f.Stmts {
		def, ok := stmt.(*syntax.DefStmt)
		if !ok || !keep(def.Name.Name) {
			continue
		}
		start, end := def.Span()
		first, last := int(start.Line), int(end.Line)
		if last > len(lines) {
			last = len(lines)
		}
		for i := first - 1; i < last; i++ {
			taken[i] = true
		}
		defs = append(defs, Definition{
			Name:      def.Name.Name,
			Source:    strings.Join(lines[first-1:last], "\n") + "\n",
			Doc:       docString(def),
			StartLine: first,
			EndLine:   last,
		})
	}

	var rest []string
	blank := false
	for i, line := range lines {
		if taken[i] {
			continue
		}
		if strings.TrimSpace(line) == "" {
			if blank || len(rest) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		rest = append(rest, line)
	}
	remainder := strings.TrimRight(strings.Join(rest, "\n"), "\n \t")
	if remainder != "" {
		remainder += "\n"
	}
	return defs, remainder, nil
}

// IsPublic reports whether a top-level name is exported by a module group.
func IsPublic(name string) bool {
	return !strings.HasPrefix(name, "_")
}

// IsTestName reports whether name is a test routine.
func IsTestName(name string) bool {
	return strings.HasPrefix(name, "test") || strings.HasPrefix(name, "Test")
}

// TestTarget maps a test routine name onto the function it exercises.
// TestCreateDirectory and TestCreateDirectory_nested map to create_directory;
// test_create_directory_nested, test_createDirectory, and testCreateDirectory
// map to the longest known function name they start with once converted to
// snake case. It returns "" when nothing matches.
func TestTarget(testName string, functions []string) string {
	switch {
	case strings.HasPrefix(testName, "Test"):
		body := strings.TrimPrefix(testName, "Test")
		camel, _, _ := strings.Cut(body, "_")
		if snake := strcase.ToSnake(camel); slices.Contains(functions, snake) {
			return snake
		}
		return longestPrefix(strcase.ToSnake(body), functions)
	case strings.HasPrefix(testName, "test_"):
		body := strings.TrimPrefix(testName, "test_")
		if fn := longestPrefix(body, functions); fn != "" {
			return fn
		}
		return longestPrefix(strcase.ToSnake(body), functions)
	case strings.HasPrefix(testName, "test"):
		return longestPrefix(strcase.ToSnake(strings.TrimPrefix(testName, "test")), functions)
	}
	return ""
}

func longestPrefix(s string, functions []string) string {
	best := ""
	for _, fn := range functions {
		if (s == fn || strings.HasPrefix(s, fn+"_")) && len(fn) > len(best) {
			best = fn
		}
	}
	return best
}

func docString(def *syntax.DefStmt) string {
	if len(def.Body) == 0 {
		return ""
	}
	expr, ok := def.Body[0].(*syntax.ExprStmt)
	if !ok {
		return ""
	}
	lit, ok := expr.X.(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return ""
	}
	doc, _ := lit.Value.(string)
	return strings.TrimSpace(doc)
}
