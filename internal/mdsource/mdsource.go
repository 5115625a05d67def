// Package mdsource parses markdown deck files. A deck file is a sequence of
// cards, each a Q: block followed by optional A: and C: blocks; "---" or the
// next Q: starts a new card. Block content may span lines until the next
// prefix.
package mdsource

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// Card is one parsed question/answer/context entry.
type Card struct {
	Front   string
	Back    string
	Context string
}

var prefixes = map[string]bool{"Q:": true, "A:": true, "C:": true}

// ParseFile reads the file at path and extracts all cards.
func ParseFile(path string) ([]Card, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads from r and extracts all cards. Blocks without a question are
// dropped; malformed lines outside any block are ignored.
func Parse(r io.Reader) ([]Card, error) {
	scanner := bufio.NewScanner(r)

	var out []Card
	blocks := map[string][]string{}
	active := ""

	flush := func() {
		if front := strings.Join(blocks["Q:"], "\n"); strings.TrimSpace(front) != "" {
			out = append(out, Card{
				Front:   front,
				Back:    strings.Join(blocks["A:"], "\n"),
				Context: strings.Join(blocks["C:"], "\n"),
			})
		}
		blocks = map[string][]string{}
		active = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "---" {
			flush()
			continue
		}

		if len(line) >= 2 && prefixes[line[:2]] {
			prefix := line[:2]
			if prefix == "Q:" && active != "" {
				flush()
			}
			active = prefix
			blocks[prefix] = append(blocks[prefix], strings.TrimPrefix(strings.TrimPrefix(line, prefix), " "))
			continue
		}

		if active != "" {
			blocks[active] = append(blocks[active], line)
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
