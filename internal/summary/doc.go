// Package summary provides Summarizer implementations for extracted chats.
package summary
