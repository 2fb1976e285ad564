// Package extractor drives WhatsApp Web through chromedp. Each Extractor owns
// its own Chrome allocator and profile directory, so concurrent groups never
// share a browser session.
package extractor
