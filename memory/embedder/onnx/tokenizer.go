package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// bertTokenizer performs BERT-style WordPiece tokenization from a HuggingFace
// tokenizer.json vocabulary. Good enough for sentence-transformer models;
// punctuation splitting is simplified relative to the reference tokenizer.
type bertTokenizer struct {
	vocab    map[string]int
	clsToken int
	sepToken int
	unkToken int
}

// loadTokenizer reads the vocabulary out of a tokenizer.json file.
func loadTokenizer(path string) (*bertTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("parse %s: empty vocabulary", path)
	}

	t := &bertTokenizer{
		vocab:    file.Model.Vocab,
		clsToken: 101,
		sepToken: 102,
		unkToken: 100,
	}
	// Prefer the vocabulary's own special-token ids when present.
	if id, ok := file.Model.Vocab["[CLS]"]; ok {
		t.clsToken = id
	}
	if id, ok := file.Model.Vocab["[SEP]"]; ok {
		t.sepToken = id
	}
	if id, ok := file.Model.Vocab["[UNK]"]; ok {
		t.unkToken = id
	}
	return t, nil
}

// tokenize converts text to token ids: lowercase, whitespace split, then
// WordPiece on each word.
func (t *bertTokenizer) tokenize(text string) []int64 {
	words := strings.Fields(strings.ToLower(text))

	var tokens []int64
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}

		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}

		for _, piece := range t.wordPiece(word) {
			if id, ok := t.vocab[piece]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, int64(t.unkToken))
			}
		}
	}
	return tokens
}

// wordPiece splits a word into the longest matching vocabulary pieces,
// prefixing continuations with "##".
func (t *bertTokenizer) wordPiece(word string) []string {
	var pieces []string
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if _, ok := t.vocab[piece]; ok {
				pieces = append(pieces, piece)
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			pieces = append(pieces, "[UNK]")
			start++
		}
	}
	return pieces
}
