package search

import "strings"

// blockNodes end a run of text; their content is indexed as a separate part.
var blockNodes = map[string]bool{
	"doc":            true,
	"paragraph":      true,
	"heading":        true,
	"bulletList":     true,
	"orderedList":    true,
	"listItem":       true,
	"blockquote":     true,
	"codeBlock":      true,
	"table":          true,
	"tableRow":       true,
	"tableCell":      true,
	"tableHeader":    true,
	"horizontalRule": true,
}

// isRichTextNode reports whether v looks like a ProseMirror node: a doc, a
// text node, or any typed node with a content array.
func isRichTextNode(v map[string]any) bool {
	nodeType, ok := v["type"].(string)
	if !ok || nodeType == "" {
		return false
	}
	switch nodeType {
	case "doc":
		return true
	case "text":
		_, ok := v["text"].(string)
		return ok
	}
	_, ok = v["content"].([]any)
	return ok
}

// collectRichText appends the text of a ProseMirror tree. Inline text nodes
// of one block are joined without separators; marks and attrs are skipped.
func collectRichText(node map[string]any, parts *[]string) {
	var run strings.Builder
	flush := func() {
		if text := strings.TrimSpace(run.String()); text != "" {
			*parts = append(*parts, text)
		}
		run.Reset()
	}
	walkRichText(node, &run, parts, flush)
	flush()
}

func walkRichText(node map[string]any, run *strings.Builder, parts *[]string, flush func()) {
	nodeType, _ := node["type"].(string)
	switch nodeType {
	case "text":
		text, _ := node["text"].(string)
		run.WriteString(text)
		return
	case "hardBreak":
		run.WriteString(" ")
		return
	}

	block := blockNodes[nodeType]
	if block {
		flush()
	}
	items, _ := node["content"].([]any)
	for _, item := range items {
		if child, ok := item.(map[string]any); ok {
			walkRichText(child, run, parts, flush)
		}
	}
	if block {
		flush()
	}
}
