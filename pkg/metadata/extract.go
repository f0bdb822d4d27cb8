// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metadata derives the compact on-chain record (title, summary,
// tags, fingerprint) from raw content. Extraction is pure and
// deterministic: no I/O, no LLM calls, and byte-for-byte stable output for
// the same input. The stopword list and tokenization rules are part of the
// audit-log contract and must not change between releases.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/kinic-labs/memory-agent/pkg/apperr"
)

const (
	// MaxTitleRunes is the title bound in code points.
	MaxTitleRunes = 100

	// MaxSummaryRunes is the summary bound in code points.
	MaxSummaryRunes = 200

	// MaxTagsRunes is the bound for the merged comma-joined tag list.
	MaxTagsRunes = 200

	// maxAutoTags is how many frequency-ranked keywords are extracted.
	maxAutoTags = 5

	// minTokenLen drops short noise tokens before keyword ranking.
	minTokenLen = 3
)

// stopwords is fixed; it is part of the metadata contract.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "of": {}, "and": {}, "is": {}, "in": {}, "to": {},
	"for": {}, "with": {}, "on": {}, "this": {}, "that": {}, "are": {},
	"be": {}, "it": {}, "as": {}, "by": {}, "an": {}, "or": {}, "at": {},
	"from": {}, "we": {}, "you": {}, "they": {}, "i": {},
}

var (
	headingRe     = regexp.MustCompile(`^#+\s+(.+)$`)
	headingLineRe = regexp.MustCompile(`(?m)^#{1,6}\s+.*$`)
	linkRe        = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	fenceRe       = regexp.MustCompile("(?m)^```[^\n]*$")
)

// Metadata is the derived record. It is the only form of user content that
// ever reaches the audit log.
type Metadata struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Tags        string `json:"tags"`
	Fingerprint string `json:"fingerprint"`
}

// Extract derives Metadata from content, merging optional user-supplied
// tags ahead of the auto-extracted keywords. It fails only when content is
// empty after whitespace stripping.
func Extract(content, userTags string) (Metadata, error) {
	if strings.TrimSpace(content) == "" {
		return Metadata{}, apperr.New(apperr.KindBadRequest, "content must not be empty")
	}

	return Metadata{
		Title:       extractTitle(content),
		Summary:     extractSummary(content),
		Tags:        MergeTags(userTags, AutoTags(content)),
		Fingerprint: Fingerprint(content),
	}, nil
}

// Fingerprint returns the SHA-256 of the exact content bytes as
// "0x" + 64 lowercase hex digits.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "0x" + hex.EncodeToString(sum[:])
}

// extractTitle takes the first markdown heading, or the first non-empty
// line when no heading exists.
func extractTitle(content string) string {
	lines := strings.Split(content, "\n")

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if m := headingRe.FindStringSubmatch(line); m != nil {
			return Truncate(strings.TrimSpace(m[1]), MaxTitleRunes)
		}
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			return Truncate(line, MaxTitleRunes)
		}
	}
	return ""
}

// extractSummary drops heading lines (their text belongs to the title, not
// the summary), strips the remaining markdown markers, joins paragraphs
// with single spaces, and cuts at a word boundary within the summary bound.
func extractSummary(content string) string {
	text := fenceRe.ReplaceAllString(content, "")
	text = headingLineRe.ReplaceAllString(text, "")
	text = linkRe.ReplaceAllString(text, "$1")
	text = strings.NewReplacer("*", "", "_", "", "`", "").Replace(text)

	var parts []string
	for _, para := range splitParagraphs(text) {
		parts = append(parts, strings.Join(strings.Fields(para), " "))
	}
	joined := strings.Join(parts, " ")

	return truncateAtWord(joined, MaxSummaryRunes)
}

func splitParagraphs(text string) []string {
	var paras []string
	for _, block := range regexp.MustCompile(`\n\s*\n`).Split(text, -1) {
		if strings.TrimSpace(block) != "" {
			paras = append(paras, block)
		}
	}
	return paras
}

// AutoTags ranks content tokens by frequency and returns the top five as a
// comma-joined list. Ties break on first occurrence. No stemming.
func AutoTags(content string) string {
	tokens := tokenize(content)

	counts := make(map[string]int, len(tokens))
	firstSeen := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		counts[tok]++
		if _, ok := firstSeen[tok]; !ok {
			firstSeen[tok] = i
		}
	}

	uniq := make([]string, 0, len(counts))
	for tok := range counts {
		uniq = append(uniq, tok)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if counts[uniq[i]] != counts[uniq[j]] {
			return counts[uniq[i]] > counts[uniq[j]]
		}
		return firstSeen[uniq[i]] < firstSeen[uniq[j]]
	})

	if len(uniq) > maxAutoTags {
		uniq = uniq[:maxAutoTags]
	}
	return strings.Join(uniq, ",")
}

// tokenize lowercases the content, splits on non-alphanumeric runes, and
// drops short tokens and stopwords.
func tokenize(content string) []string {
	raw := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := raw[:0]
	for _, tok := range raw {
		if len([]rune(tok)) < minTokenLen {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// MergeTags prepends user tags (lowercased, trimmed, deduplicated, in
// order) to the auto tags, skipping auto tags already present, and cuts
// the joined list at the last whole-tag boundary within the bound.
func MergeTags(userTags, autoTags string) string {
	seen := make(map[string]struct{})
	var merged []string

	appendTag := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		merged = append(merged, tag)
	}

	for _, tag := range strings.Split(userTags, ",") {
		appendTag(tag)
	}
	for _, tag := range strings.Split(autoTags, ",") {
		appendTag(tag)
	}

	var b strings.Builder
	runes := 0
	for _, tag := range merged {
		need := len([]rune(tag))
		if runes > 0 {
			need++ // comma
		}
		if runes+need > MaxTagsRunes {
			break
		}
		if runes > 0 {
			b.WriteString(",")
		}
		b.WriteString(tag)
		runes += need
	}
	return b.String()
}

// Truncate cuts s to at most max code points, dropping trailing whitespace
// left by the cut.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimRight(string(runes[:max]), " \t\n")
}

// truncateAtWord cuts s to at most max code points, backing off to the
// previous word boundary when the cut lands mid-word.
func truncateAtWord(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	// Mid-word if the rune after the cut is not a space and neither is
	// the last kept rune.
	if !unicode.IsSpace(runes[max]) {
		if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > 0 {
			cut = cut[:idx]
		}
	}
	return strings.TrimRight(cut, " \t\n")
}
