package jira

import "strings"

// doc is an Atlassian Document Format node.
type doc struct {
	Type    string         `json:"type"`
	Version int            `json:"version,omitempty"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*doc         `json:"content,omitempty"`
}

// paragraphs converts plain text to an ADF document, one paragraph per
// blank-line separated block.
func paragraphs(text string) *doc {
	root := &doc{Type: "doc", Version: 1}
	for _, block := range strings.Split(strings.TrimSpace(text), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		root.Content = append(root.Content, &doc{
			Type:    "paragraph",
			Content: []*doc{{Type: "text", Text: block}},
		})
	}
	if len(root.Content) == 0 {
		root.Content = []*doc{{Type: "paragraph"}}
	}
	return root
}

func heading(text string) *doc {
	return &doc{
		Type:    "heading",
		Attrs:   map[string]any{"level": 3},
		Content: []*doc{{Type: "text", Text: text}},
	}
}

func bulletList(items []string) *doc {
	list := &doc{Type: "bulletList"}
	for _, item := range items {
		list.Content = append(list.Content, &doc{
			Type: "listItem",
			Content: []*doc{{
				Type:    "paragraph",
				Content: []*doc{{Type: "text", Text: item}},
			}},
		})
	}
	return list
}
