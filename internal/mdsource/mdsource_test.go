package mdsource

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Run("single card", func(t *testing.T) {
		cards, err := Parse(strings.NewReader("Q: What is Go?\nA: A language.\nC: Basics\n"))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if len(cards) != 1 {
			t.Fatalf("Expected 1 card, got %d", len(cards))
		}
		c := cards[0]
		if c.Front != "What is Go?" || c.Back != "A language." || c.Context != "Basics" {
			t.Errorf("Unexpected card: %+v", c)
		}
	})

	t.Run("separator splits cards", func(t *testing.T) {
		cards, err := Parse(strings.NewReader("Q: one\nA: 1\n---\nQ: two\nA: 2\n"))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if len(cards) != 2 {
			t.Fatalf("Expected 2 cards, got %d", len(cards))
		}
		if cards[1].Front != "two" {
			t.Errorf("Unexpected second card: %+v", cards[1])
		}
	})

	t.Run("new question starts a new card", func(t *testing.T) {
		cards, err := Parse(strings.NewReader("Q: one\nA: 1\nQ: two\n"))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if len(cards) != 2 {
			t.Fatalf("Expected 2 cards, got %d", len(cards))
		}
	})

	t.Run("multiline blocks", func(t *testing.T) {
		cards, err := Parse(strings.NewReader("Q: first line\nsecond line\nA: answer\n"))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if cards[0].Front != "first line\nsecond line" {
			t.Errorf("Expected the block to span lines, got %q", cards[0].Front)
		}
	})

	t.Run("answer without question is dropped", func(t *testing.T) {
		cards, err := Parse(strings.NewReader("A: orphan answer\n---\nQ: real\n"))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if len(cards) != 1 || cards[0].Front != "real" {
			t.Errorf("Expected only the real card, got %+v", cards)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		cards, err := Parse(strings.NewReader(""))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if len(cards) != 0 {
			t.Errorf("Expected no cards, got %d", len(cards))
		}
	})
}
