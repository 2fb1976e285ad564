package apify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeItems(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		items []any
		want  []string
	}{
		{name: "empty", items: nil, want: []string{}},
		{name: "flat records", items: []any{
			map[string]any{"text": "a"},
			map[string]any{"text": "b"},
		}, want: []string{"a", "b"}},
		{name: "nested messages flattened", items: []any{
			map[string]any{"group": "g", "messages": []any{
				map[string]any{"text": "a"},
				"not an object",
				map[string]any{"text": "b"},
			}},
			map[string]any{"text": "c"},
		}, want: []string{"a", "b", "c"}},
		{name: "non objects skipped", items: []any{"x", 3.0, nil, map[string]any{"text": "z"}}, want: []string{"z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeItems(tt.items)
			require.Len(t, got, len(tt.want))
			for i, msg := range got {
				assert.Equal(t, tt.want[i], msg["text"])
			}
		})
	}
}
