package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Noop returns an empty summary. It is used when AI integration is disabled.
type Noop struct{}

// Summarize implements scraper.Summarizer.
func (Noop) Summarize(context.Context, string) (scraper.Summary, error) {
	return scraper.Summary{Model: "noop"}, nil
}

// Statistics summarizes a transcript with line, sender and keyword counts.
type Statistics struct {
	// TopKeywords caps the keywords reported (default 5).
	TopKeywords int
}

// Summarize implements scraper.Summarizer. Lines shaped "Sender: text" are
// attributed to Sender.
func (s Statistics) Summarize(ctx context.Context, text string) (scraper.Summary, error) {
	if err := ctx.Err(); err != nil {
		return scraper.Summary{}, err
	}
	top := s.TopKeywords
	if top <= 0 {
		top = 5
	}

	senders := map[string]int{}
	words := map[string]int{}
	lines := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines++
		body := line
		if sender, rest, ok := splitSender(line); ok {
			senders[sender]++
			body = rest
		}
		for _, w := range strings.FieldsFunc(strings.ToLower(body), notWordRune) {
			if len([]rune(w)) > 3 {
				words[w]++
			}
		}
	}

	keywords := rank(words, top)
	summaryText := fmt.Sprintf("%d messages from %d senders", lines, len(senders))
	if len(keywords) > 0 {
		summaryText += "; top keywords: " + strings.Join(keywords, ", ")
	}
	return scraper.Summary{
		Model:        "statistics",
		Text:         summaryText,
		MessageCount: lines,
		Fields: map[string]any{
			"senders":  senders,
			"keywords": keywords,
		},
	}, nil
}

// Transcript joins the text of the last max messages, one per line.
func Transcript(messages []scraper.Message, maxMessages int) string {
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}
	var b strings.Builder
	for _, m := range messages {
		text, _ := m["text"].(string)
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ReplaceAll(text, "\n", " "))
	}
	return b.String()
}

func splitSender(line string) (string, string, bool) {
	idx := strings.Index(line, ": ")
	if idx <= 0 || idx > 40 {
		return "", "", false
	}
	sender := strings.TrimSpace(line[:idx])
	if i := strings.LastIndex(sender, "] "); i >= 0 {
		sender = strings.TrimSpace(sender[i+2:])
	}
	if sender == "" {
		return "", "", false
	}
	return sender, line[idx+2:], true
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func rank(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
