package rounds_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lodegame/roundsync/go/internal/rounds"
)

func TestMergeSectionFullReplaces(t *testing.T) {
	prev := map[string]any{"a": 1, "b": map[string]any{"c": 2}}

	got := rounds.MergeSection(prev, map[string]any{"a": 9}, rounds.MergeFull)
	require.Equal(t, map[string]any{"a": 9}, got)

	got = rounds.MergeSection(prev, nil, rounds.MergeFull)
	require.Nil(t, got, "full mode replaces with nil too")
}

func TestMergeSectionDiff(t *testing.T) {
	tests := []struct {
		name     string
		prev     map[string]any
		incoming map[string]any
		want     map[string]any
	}{
		{
			name:     "leaf substitution",
			prev:     map[string]any{"a": 1, "b": 2},
			incoming: map[string]any{"b": 3},
			want:     map[string]any{"a": 1, "b": 3},
		},
		{
			name:     "nested recursion",
			prev:     map[string]any{"pos": map[string]any{"1": 10, "2": 20}},
			incoming: map[string]any{"pos": map[string]any{"2": 25}},
			want:     map[string]any{"pos": map[string]any{"1": 10, "2": 25}},
		},
		{
			name:     "arrays replaced wholesale",
			prev:     map[string]any{"tiles": []any{1, 2, 3}},
			incoming: map[string]any{"tiles": []any{4}},
			want:     map[string]any{"tiles": []any{4}},
		},
		{
			name:     "object over scalar substitutes",
			prev:     map[string]any{"x": 1},
			incoming: map[string]any{"x": map[string]any{"y": 2}},
			want:     map[string]any{"x": map[string]any{"y": 2}},
		},
		{
			name:     "nil incoming is a no-op",
			prev:     map[string]any{"a": 1},
			incoming: nil,
			want:     map[string]any{"a": 1},
		},
		{
			name:     "nil previous",
			prev:     nil,
			incoming: map[string]any{"a": 1},
			want:     map[string]any{"a": 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rounds.MergeSection(tt.prev, tt.incoming, rounds.MergeDiff)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMergeSectionDiffDoesNotMutateInputs(t *testing.T) {
	prev := map[string]any{"nested": map[string]any{"a": 1}}
	incoming := map[string]any{"nested": map[string]any{"b": 2}}

	rounds.MergeSection(prev, incoming, rounds.MergeDiff)

	require.Equal(t, map[string]any{"nested": map[string]any{"a": 1}}, prev)
	require.Equal(t, map[string]any{"nested": map[string]any{"b": 2}}, incoming)
}

func TestMergeSectionDiffIdempotent(t *testing.T) {
	prev := map[string]any{"a": 1, "n": map[string]any{"x": 1}}
	diff := map[string]any{"a": 2, "n": map[string]any{"y": 3}}

	once := rounds.MergeSection(prev, diff, rounds.MergeDiff)
	twice := rounds.MergeSection(once, diff, rounds.MergeDiff)
	require.Equal(t, once, twice)
}
