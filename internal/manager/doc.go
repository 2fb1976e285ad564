// Package manager runs one extraction task per configured group, either all
// at once or in bounded batches, and aggregates the results into run
// statistics. Failed groups may be recovered through a remote fallback.
package manager
