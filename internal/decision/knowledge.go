package decision

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrMissingFrontMatter is returned for knowledge documents without a YAML header.
var ErrMissingFrontMatter = errors.New("knowledge document missing front matter")

// Entry is one pre-authored answer.
type Entry struct {
	ID       string
	Question string
	Keywords []string
	Answer   models.Value
	Notes    string

	terms map[string]bool
}

// KnowledgeBase is a fixed corpus of human-authored answers matched by
// keyword overlap.
type KnowledgeBase struct {
	mu         sync.RWMutex
	entries    []Entry
	minOverlap int
}

// NewKnowledgeBase creates an empty knowledge base. minOverlap is the
// number of shared terms a question needs with an entry to match.
func NewKnowledgeBase(minOverlap int) *KnowledgeBase {
	if minOverlap < 1 {
		minOverlap = 1
	}
	return &KnowledgeBase{minOverlap: minOverlap}
}

// Add registers an entry. Entries without an answer are ignored.
func (kb *KnowledgeBase) Add(e Entry) {
	if e.Answer.IsZero() {
		return
	}
	e.terms = make(map[string]bool)
	for _, k := range e.Keywords {
		for _, t := range terms(k) {
			e.terms[t] = true
		}
	}
	for _, t := range terms(e.Question) {
		e.terms[t] = true
	}

	kb.mu.Lock()
	kb.entries = append(kb.entries, e)
	kb.mu.Unlock()
}

// Len returns the number of entries.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.entries)
}

// Lookup returns the entry sharing the most terms with question, provided
// it reaches the minimum overlap. Ties go to the earliest entry.
func (kb *KnowledgeBase) Lookup(question string) (Entry, bool) {
	q := terms(question)
	if len(q) == 0 {
		return Entry{}, false
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	best, bestScore := -1, 0
	for i, e := range kb.entries {
		score := 0
		for _, t := range q {
			if e.terms[t] {
				score++
			}
		}
		need := kb.minOverlap
		if len(e.terms) < need {
			need = len(e.terms)
		}
		if need == 0 || score < need {
			continue
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	return kb.entries[best], true
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "should": true, "what": true, "which": true,
	"are": true, "use": true, "with": true, "this": true, "that": true, "our": true,
	"how": true, "does": true, "can": true, "will": true, "from": true, "into": true,
	"you": true, "your": true, "have": true, "has": true, "any": true, "when": true,
}

// terms lowercases and splits text into distinct significant words.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

type frontMatter struct {
	ID       string   `yaml:"id"`
	Question string   `yaml:"question"`
	Keywords []string `yaml:"keywords"`
	Answer   any      `yaml:"answer"`
}

// ParseEntry decodes a markdown knowledge document. The YAML front matter
// carries question, keywords and answer; the body becomes the answer when
// the header has none.
func ParseEntry(name string, content []byte) (Entry, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Entry{}, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---"), 2)
	if len(parts) < 2 {
		return Entry{}, fmt.Errorf("%s: unterminated front matter", name)
	}

	var fm frontMatter
	if err := yaml.Unmarshal(parts[0], &fm); err != nil {
		return Entry{}, fmt.Errorf("%s: parse front matter: %w", name, err)
	}

	body := strings.TrimSpace(strings.TrimPrefix(string(parts[1]), "\n"))
	e := Entry{
		ID:       fm.ID,
		Question: fm.Question,
		Keywords: fm.Keywords,
		Notes:    body,
	}
	if e.ID == "" {
		e.ID = strings.TrimSuffix(name, filepath.Ext(name))
	}

	if fm.Answer != nil {
		v, err := models.FromAny(fm.Answer)
		if err != nil {
			return Entry{}, fmt.Errorf("%s: answer: %w", name, err)
		}
		e.Answer = v
	} else if body != "" {
		e.Answer = models.StringValue(body)
	}
	if e.Answer.IsZero() {
		return Entry{}, fmt.Errorf("%s: no answer", name)
	}
	if len(e.Keywords) == 0 && e.Question == "" {
		return Entry{}, fmt.Errorf("%s: needs keywords or a question", name)
	}
	return e, nil
}

// LoadKnowledgeBase reads every *.md document in dir. A missing directory
// yields an empty knowledge base.
func LoadKnowledgeBase(dir string, minOverlap int) (*KnowledgeBase, error) {
	kb := NewKnowledgeBase(minOverlap)
	if dir == "" {
		return kb, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("list knowledge documents: %w", err)
	}
	sort.Strings(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		e, err := ParseEntry(filepath.Base(path), data)
		if err != nil {
			if errors.Is(err, ErrMissingFrontMatter) {
				continue
			}
			return nil, err
		}
		kb.Add(e)
	}
	return kb, nil
}
