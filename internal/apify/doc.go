// Package apify talks to the Apify actor-execution API: it runs the remote
// fallback actor for groups whose local extraction failed and pushes saved
// messages to per-group datasets.
package apify
