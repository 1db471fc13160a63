// Package nlu reads and writes Rasa nlu.yml training data.
package nlu

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// FormatVersion is the Rasa training data format written by Write.
const FormatVersion = "3.1"

// TrainingIntent is one intent block of an nlu.yml file.
type TrainingIntent struct {
	Name     string
	Examples []string
}

type document struct {
	Version string  `yaml:"version,omitempty"`
	NLU     []entry `yaml:"nlu"`
}

type entry struct {
	Intent   string `yaml:"intent,omitempty"`
	Examples string `yaml:"examples,omitempty"`
}

// Parse reads intents from an nlu.yml document. Entries that are not intents
// (synonyms, regexes, lookup tables) are ignored; an intent appearing twice
// has its examples merged in file order.
func Parse(r io.Reader) ([]TrainingIntent, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return []TrainingIntent{}, nil
		}
		return nil, fmt.Errorf("decoding nlu data: %w", err)
	}

	out := []TrainingIntent{}
	index := make(map[string]int)
	for _, e := range doc.NLU {
		name := strings.TrimSpace(e.Intent)
		if name == "" {
			continue
		}
		examples := ParseExamples(e.Examples)
		if i, ok := index[name]; ok {
			out[i].Examples = append(out[i].Examples, examples...)
			continue
		}
		index[name] = len(out)
		out = append(out, TrainingIntent{Name: name, Examples: examples})
	}
	return out, nil
}

// ParseExamples splits a Rasa examples block into individual utterances.
// Only lines starting with "-" count; the dash and surrounding whitespace
// are stripped and empty results dropped.
func ParseExamples(block string) []string {
	examples := []string{}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-") {
			continue
		}
		if ex := strings.TrimSpace(line[1:]); ex != "" {
			examples = append(examples, ex)
		}
	}
	return examples
}

// Write encodes intents as an nlu.yml document with literal example blocks.
func Write(w io.Writer, intents []TrainingIntent) error {
	list := &yaml.Node{Kind: yaml.SequenceNode}
	for _, in := range intents {
		var b strings.Builder
		for _, ex := range in.Examples {
			b.WriteString("- ")
			b.WriteString(strings.ReplaceAll(ex, "\n", " "))
			b.WriteString("\n")
		}
		style := yaml.LiteralStyle
		if b.Len() == 0 {
			style = 0
		}
		item := &yaml.Node{Kind: yaml.MappingNode}
		item.Content = append(item.Content,
			scalar("intent", 0), scalar(in.Name, 0),
			scalar("examples", 0), scalar(b.String(), style),
		)
		list.Content = append(list.Content, item)
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	root.Content = append(root.Content,
		scalar("version", 0), scalar(FormatVersion, yaml.DoubleQuotedStyle),
		scalar("nlu", 0), list,
	)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}); err != nil {
		return fmt.Errorf("encoding nlu data: %w", err)
	}
	return enc.Close()
}

func scalar(value string, style yaml.Style) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value, Style: style}
}
