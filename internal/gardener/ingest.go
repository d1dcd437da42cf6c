package gardener

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// IngestDir walks a directory of markdown note files and seeds hot
// memory with their list items, one fact per bullet. Non-markdown files
// are skipped. Returns how many facts were inserted (duplicates are
// ignored by the hot store).
func (g *Gardener) IngestDir(dir string) (int, error) {
	if g.hippo == nil || dir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read ingest dir: %w", err)
	}

	total := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		n, err := g.ingestFile(path)
		if err != nil {
			g.logger.Warn("ingest file failed", "path", path, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		g.logger.Info("notes ingested", "dir", dir, "facts", total)
	}
	return total, nil
}

func (g *Gardener) ingestFile(path string) (int, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	facts := ExtractListFacts(src)
	added := 0
	for _, fact := range facts {
		if err := g.hippo.Remember(fact); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// ExtractListFacts parses markdown and returns the text of every list
// item. Bullets are where note files keep one-fact-per-line content;
// prose paragraphs are ignored.
func ExtractListFacts(src []byte) []string {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	var facts []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if _, ok := n.(*ast.ListItem); !ok {
			return ast.WalkContinue, nil
		}
		fact := strings.TrimSpace(nodeText(n, src))
		if fact != "" {
			facts = append(facts, fact)
		}
		// Nested lists are visited on their own.
		return ast.WalkSkipChildren, nil
	})
	return facts
}

// nodeText collects the raw text under a node, joining segments with
// single spaces.
func nodeText(n ast.Node, src []byte) string {
	var parts []string
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			parts = append(parts, string(t.Segment.Value(src)))
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(parts, " ")
}
