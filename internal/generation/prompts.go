package generation

import (
	"fmt"
	"strings"
)

const systemPrompt = "You are a careful academic writer. Output only what is asked, with no commentary."

func titlePrompt(topic, lang string) Prompt {
	return Prompt{
		System: systemPrompt,
		User: fmt.Sprintf("Propose one concise, specific title for a short research paper on %q, written in %s. "+
			"Reply with the title only, on one line, without quotes.", topic, lang),
	}
}

func draftPrompt(title, lang string, words int) Prompt {
	return Prompt{
		System: systemPrompt,
		User: fmt.Sprintf("Write a complete LaTeX article titled %q in %s, about %d words long. "+
			"Use the article class, include \\title, \\author{papermill}, an abstract environment, "+
			"a \\keywords{...} line after the abstract, sections and a bibliography using thebibliography. "+
			"Only use packages shipped with TeX Live. Reply with the LaTeX source only.", title, lang, words),
	}
}

func critiquePrompt(doc string, criteria []string) Prompt {
	return Prompt{
		System: "You are a strict peer reviewer.",
		User: fmt.Sprintf("Score the paper below from 0 to 10 on each of these criteria: %s. "+
			"Reply with JSON only: {\"scores\":[{\"criterion\":\"...\",\"score\":0,\"note\":\"how to improve\"}]}.\n\n%s",
			strings.Join(criteria, ", "), doc),
		JSON: true,
	}
}

func revisePrompt(doc, feedback string) Prompt {
	return Prompt{
		System: systemPrompt,
		User: "Revise the LaTeX paper below to address this review feedback. Keep it compilable and keep the title. " +
			"Reply with the full revised LaTeX source only.\n\nFeedback:\n" + feedback + "\n\nPaper:\n" + doc,
	}
}

func repairPrompt(doc, errText string) Prompt {
	return Prompt{
		System: "You fix LaTeX compilation errors.",
		User: "The LaTeX document below fails to compile. Fix every error reported in the log with the smallest " +
			"changes possible and reply with the full corrected source only.\n\nCompiler log:\n" + tail(errText, 4000) +
			"\n\nDocument:\n" + doc,
	}
}

// tail keeps the last n bytes of s, where compiler logs put the errors.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
