package cluster

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true, "when": true,
	"they": true, "them": true, "there": true, "their": true, "about": true, "would": true,
	"could": true, "should": true, "into": true, "what": true, "which": true, "been": true,
	"were": true, "will": true, "just": true, "like": true, "more": true, "very": true,
	"some": true, "than": true, "then": true, "also": true, "after": true, "before": true,
}

// Theme labels a cluster by its three most frequent content words.
func Theme(texts []string) string {
	counts := map[string]int{}
	for _, t := range texts {
		seen := map[string]bool{}
		for _, w := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len(w) < 4 || stopwords[w] || seen[w] {
				continue
			}
			seen[w] = true
			counts[w]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > 3 {
		words = words[:3]
	}
	if len(words) == 0 {
		if len(texts) > 0 {
			return truncate(texts[0], 60)
		}
		return "untitled"
	}
	return strings.Join(words, " / ")
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
