package traversal

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/haloview/server/internal/tile"
)

func cells(keys []tile.Key) [][2]int {
	out := make([][2]int, len(keys))
	for i, k := range keys {
		out[i] = [2]int{k.Row, k.Col}
	}
	return out
}

func TestKeysSmallGrid(t *testing.T) {
	tests := []struct {
		order Order
		want  [][2]int
	}{
		{Naive, [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}},
		{Snake, [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 2}, {1, 1}, {1, 0}}},
		{Diagonal, [][2]int{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {0, 2}, {1, 2}}},
		{Spiral, [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 2}, {1, 1}, {1, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			t.Parallel()
			keys, err := Keys(tt.order, 2, 3, 0)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, cells(keys)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSpiralSquare(t *testing.T) {
	keys, err := Keys(Spiral, 3, 3, 0)
	require.NoError(t, err)
	want := [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 2}, {2, 2}, {2, 1}, {2, 0}, {1, 0}, {1, 1}}
	if diff := cmp.Diff(want, cells(keys)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEveryOrderVisitsEachTileOnce(t *testing.T) {
	for _, o := range []Order{Naive, Snake, Diagonal, Spiral, Hilbert} {
		for _, dims := range [][2]int{{1, 1}, {1, 7}, {5, 1}, {3, 5}, {6, 6}, {9, 4}} {
			keys, err := Keys(o, dims[0], dims[1], 2)
			require.NoError(t, err)
			require.Len(t, keys, dims[0]*dims[1], "%s %v", o, dims)
			seen := make(map[tile.Key]bool)
			for _, k := range keys {
				require.Equal(t, 2, k.Level)
				require.True(t, k.Row >= 0 && k.Row < dims[0] && k.Col >= 0 && k.Col < dims[1], "%s %v: %v", o, dims, k)
				require.False(t, seen[k], "%s %v: duplicate %v", o, dims, k)
				seen[k] = true
			}
		}
	}
}

func TestHilbertStepsAreAdjacent(t *testing.T) {
	keys, err := Keys(Hilbert, 8, 8, 0)
	require.NoError(t, err)
	for i := 1; i < len(keys); i++ {
		dr, dc := keys[i].Row-keys[i-1].Row, keys[i].Col-keys[i-1].Col
		require.Equal(t, 1, dr*dr+dc*dc, "step %d: %v -> %v", i, keys[i-1], keys[i])
	}
}

func TestParse(t *testing.T) {
	o, err := Parse("")
	require.NoError(t, err)
	require.Equal(t, Snake, o)
	o, err = Parse("Hilbert")
	require.NoError(t, err)
	require.Equal(t, Hilbert, o)
	_, err = Parse("zigzag")
	require.Error(t, err)
}
