// Package templates holds the prompt set for query rewriting and answer
// synthesis. Defaults are compiled in; a YAML file can override any subset.
package templates

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Set is the full prompt collection used by the pipeline.
type Set struct {
	// Rewrite turns a follow-up question plus history into a standalone
	// query. Slots: {{history}}, {{question}}.
	Rewrite string `yaml:"rewrite"`
	// Synthesis is the system prompt for answer generation. Slots:
	// {{context}}, {{history}}, {{question}}.
	Synthesis string `yaml:"synthesis"`
}

const defaultRewrite = `Given the conversation so far and a follow-up question, rephrase the
follow-up into a single self-contained question. Keep the original language.
Return only the rephrased question.

Conversation:
{{history}}

Follow-up question: {{question}}`

const defaultSynthesis = `You are a careful assistant answering from the provided context only.
If the context does not contain the answer, say so instead of guessing.
When the answer is tabular, wrap the table as a JSON object between
:::table and ::: markers.

Context:
{{context}}

Conversation so far:
{{history}}

Question: {{question}}`

// Default returns the compiled-in prompt set.
func Default() Set {
	return Set{Rewrite: defaultRewrite, Synthesis: defaultSynthesis}
}

// Load reads overrides from a YAML file. Fields missing from the file keep
// their defaults; an empty path returns the defaults unchanged.
func Load(path string) (Set, error) {
	set := Default()
	if path == "" {
		return set, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read prompt templates: %w", err)
	}

	var override Set
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Set{}, fmt.Errorf("parse prompt templates: %w", err)
	}
	if override.Rewrite != "" {
		set.Rewrite = override.Rewrite
	}
	if override.Synthesis != "" {
		set.Synthesis = override.Synthesis
	}
	return set, nil
}

// Render substitutes {{slot}} placeholders. Unknown placeholders in the
// template are left as-is so a typo shows up in model output during review
// rather than panicking at request time.
func Render(tmpl string, slots map[string]string) string {
	out := tmpl
	for name, value := range slots {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
