// Package document extracts publication metadata from LaTeX sources and
// cleans up model output that wraps them.
package document

import (
	"regexp"
	"strings"
)

// Metadata is what the archive needs to describe a compiled paper.
type Metadata struct {
	Title    string
	Abstract string
	Keywords []string
}

var (
	fenceRe    = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*\\s*\n(.*?)\n?```\\s*$")
	titleRe    = regexp.MustCompile(`\\title\s*(?:\[[^\]]*\])?\s*\{`)
	abstractRe = regexp.MustCompile(`(?s)\\begin\{abstract\}(.*?)\\end\{abstract\}`)
	keywordsRe = regexp.MustCompile(`(?s)\\(?:keywords|textbf\{Keywords:?\})\s*\{?([^}\n]*)`)
	cmdArgRe   = regexp.MustCompile(`\\(?:textbf|textit|emph|texttt|underline|mathrm|text)\{([^{}]*)\}`)
	dropCmdRe  = regexp.MustCompile(`\\(?:cite|ref|label|footnote|eqref)\{[^{}]*\}`)
	bareCmdRe  = regexp.MustCompile(`\\[a-zA-Z]+\*?`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// StripFences removes a Markdown code fence wrapped around the whole text,
// as models often return ```latex ... ``` instead of raw source.
func StripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// Extract pulls title, abstract and keywords out of a LaTeX document.
// Missing parts are left empty.
func Extract(doc string) Metadata {
	var md Metadata
	if loc := titleRe.FindStringIndex(doc); loc != nil {
		if body, ok := braced(doc[loc[1]-1:]); ok {
			md.Title = Plain(body)
		}
	}
	if m := abstractRe.FindStringSubmatch(doc); m != nil {
		md.Abstract = Plain(m[1])
	}
	if m := keywordsRe.FindStringSubmatch(doc); m != nil {
		for _, kw := range strings.FieldsFunc(m[1], func(r rune) bool { return r == ',' || r == ';' }) {
			if kw = Plain(kw); kw != "" {
				md.Keywords = append(md.Keywords, kw)
			}
		}
	}
	return md
}

// braced returns the contents of the balanced {...} group that s starts
// with.
func braced(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[1:i], true
			}
		}
	}
	return "", false
}

// Plain reduces LaTeX markup to readable text.
func Plain(s string) string {
	s = dropCmdRe.ReplaceAllString(s, "")
	for {
		next := cmdArgRe.ReplaceAllString(s, "$1")
		if next == s {
			break
		}
		s = next
	}
	s = strings.ReplaceAll(s, `\\`, " ")
	s = strings.ReplaceAll(s, "~", " ")
	s = bareCmdRe.ReplaceAllString(s, "")
	s = strings.NewReplacer("{", "", "}", "", `\&`, "&", `\%`, "%", `\_`, "_", "``", `"`, "''", `"`).Replace(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// WordCount counts whitespace separated words in the plain text of doc.
func WordCount(doc string) int {
	return len(strings.Fields(Plain(doc)))
}
