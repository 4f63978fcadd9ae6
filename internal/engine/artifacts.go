package engine

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ArtifactKind classifies extracted artifacts.
type ArtifactKind string

const (
	ArtifactCode  ArtifactKind = "code"
	ArtifactImage ArtifactKind = "image"
)

// Artifact is a piece of reusable content found in a committed step output.
type Artifact struct {
	ID       string       `json:"id"`
	StepID   string       `json:"step_id"`
	Kind     ArtifactKind `json:"kind"`
	Language string       `json:"language,omitempty"`
	Content  string       `json:"content"`
}

var markdown = goldmark.New()

// ExtractArtifacts parses output as Markdown and returns its fenced code
// blocks and images in document order. Image content is the destination,
// which may be a data URI.
func ExtractArtifacts(stepID, output string) []Artifact {
	if strings.TrimSpace(output) == "" {
		return nil
	}
	src := []byte(output)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var out []Artifact
	next := func(kind ArtifactKind, lang, content string) {
		out = append(out, Artifact{
			ID:       fmt.Sprintf("%s#%d", stepID, len(out)+1),
			StepID:   stepID,
			Kind:     kind,
			Language: lang,
			Content:  content,
		})
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			var buf bytes.Buffer
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			next(ArtifactCode, string(node.Language(src)), buf.String())
			return ast.WalkSkipChildren, nil
		case *ast.Image:
			next(ArtifactImage, "", string(node.Destination))
		}
		return ast.WalkContinue, nil
	})
	return out
}
