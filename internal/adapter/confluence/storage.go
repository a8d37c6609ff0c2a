package confluence

import (
	"html"
	"regexp"
	"strings"
)

var (
	boldRe = regexp.MustCompile(`\*\*(.+?)\*\*`)
	codeRe = regexp.MustCompile("`([^`]+)`")
)

// ToStorage converts a small markdown subset (headings, bullet lists, bold,
// inline code, fenced code blocks, paragraphs) to Confluence storage format.
func ToStorage(markdown string) string {
	var out strings.Builder
	var para []string
	inList := false
	inCode := false
	var code []string

	flushPara := func() {
		if len(para) > 0 {
			out.WriteString("<p>" + strings.Join(para, " ") + "</p>")
			para = nil
		}
	}
	closeList := func() {
		if inList {
			out.WriteString("</ul>")
			inList = false
		}
	}

	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if inCode {
				out.WriteString(`<ac:structured-macro ac:name="code"><ac:plain-text-body><![CDATA[`)
				out.WriteString(strings.Join(code, "\n"))
				out.WriteString(`]]></ac:plain-text-body></ac:structured-macro>`)
				code = nil
				inCode = false
			} else {
				flushPara()
				closeList()
				inCode = true
			}
			continue
		}
		if inCode {
			code = append(code, line)
			continue
		}

		switch {
		case trimmed == "":
			flushPara()
			closeList()
		case strings.HasPrefix(trimmed, "#"):
			flushPara()
			closeList()
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			if level > 6 {
				level = 6
			}
			text := inline(strings.TrimSpace(trimmed[level:]))
			tag := "h" + string(rune('0'+level))
			out.WriteString("<" + tag + ">" + text + "</" + tag + ">")
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			flushPara()
			if !inList {
				out.WriteString("<ul>")
				inList = true
			}
			out.WriteString("<li>" + inline(trimmed[2:]) + "</li>")
		default:
			closeList()
			para = append(para, inline(trimmed))
		}
	}
	if inCode {
		out.WriteString(`<ac:structured-macro ac:name="code"><ac:plain-text-body><![CDATA[`)
		out.WriteString(strings.Join(code, "\n"))
		out.WriteString(`]]></ac:plain-text-body></ac:structured-macro>`)
	}
	flushPara()
	closeList()
	return out.String()
}

func inline(s string) string {
	s = html.EscapeString(s)
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = codeRe.ReplaceAllString(s, "<code>$1</code>")
	return s
}
