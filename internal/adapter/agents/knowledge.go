package agents

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// KnowledgeBase retrieves from a local directory of curated documents.
// Retrieval is plain keyword overlap scoring; the corpus is small and
// hand-picked, so it beats shipping an embedding stack for this source.
type KnowledgeBase struct {
	dir      string
	maxDocs  int
	maxBytes int
}

// NewKnowledgeBase builds a knowledge-base agent over the given directory.
func NewKnowledgeBase(dir string) *KnowledgeBase {
	return &KnowledgeBase{dir: dir, maxDocs: 5, maxBytes: 8 << 10}
}

// Source identifies the backend.
func (k *KnowledgeBase) Source() domain.LiteratureSource { return domain.SourceKnowledge }

// Search scores every .md and .txt document under the directory against
// the query terms and returns excerpts of the best matches.
func (k *KnowledgeBase) Search(ctx domain.Context, q domain.LiteratureQuery) (domain.LiteratureResult, error) {
	terms := queryTerms(q.Objective + " " + q.Context)
	if len(terms) == 0 {
		return domain.LiteratureResult{}, fmt.Errorf("op=agents.knowledge: %w: empty query", domain.ErrInvalidArgument)
	}

	type scored struct {
		path  string
		score int
		body  string
	}
	var docs []scored
	err := filepath.WalkDir(k.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		body := string(b)
		lower := strings.ToLower(body)
		score := 0
		for _, t := range terms {
			score += strings.Count(lower, t)
		}
		if score > 0 {
			docs = append(docs, scored{path: path, score: score, body: body})
		}
		return nil
	})
	if err != nil {
		return domain.LiteratureResult{}, fmt.Errorf("op=agents.knowledge: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].score > docs[j].score })
	if len(docs) > k.maxDocs {
		docs = docs[:k.maxDocs]
	}
	if len(docs) == 0 {
		return domain.LiteratureResult{Output: "No matching documents in the local knowledge base."}, nil
	}

	var sb strings.Builder
	for _, d := range docs {
		rel, relErr := filepath.Rel(k.dir, d.path)
		if relErr != nil {
			rel = filepath.Base(d.path)
		}
		body := d.body
		if len(body) > k.maxBytes {
			body = body[:k.maxBytes]
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", rel, strings.TrimSpace(body))
	}
	return domain.LiteratureResult{Output: sb.String()}, nil
}

// queryTerms lowercases and splits a query, dropping short stop-ish words.
func queryTerms(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]\"'")
		if len(f) < 4 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
