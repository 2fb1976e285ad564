package apify

import "github.com/JakeFAU/multigroup-scraper/internal/scraper"

// NormalizeItems flattens dataset items into message records. An item that
// carries a nested "messages" list contributes each object in that list;
// any other object is itself one message. Non-object values are skipped.
func NormalizeItems(items []any) []scraper.Message {
	messages := make([]scraper.Message, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if nested, ok := obj["messages"].([]any); ok {
			for _, entry := range nested {
				if msg, ok := entry.(map[string]any); ok {
					messages = append(messages, scraper.Message(msg))
				}
			}
			continue
		}
		messages = append(messages, scraper.Message(obj))
	}
	return messages
}
