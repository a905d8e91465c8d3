package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBaseClocks(t *testing.T) {
	tests := []struct {
		name       string
		start, end int64
		width      int64
		want       []int64
	}{
		{name: "aligned", start: 600, end: 1800, width: 600, want: []int64{600, 1200, 1800}},
		{name: "floors both ends", start: 650, end: 1799, width: 600, want: []int64{600, 1200}},
		{name: "single bucket", start: 1201, end: 1300, width: 600, want: []int64{1200}},
		{name: "end before start", start: 1800, end: 600, width: 600, want: nil},
		{name: "zero width", start: 0, end: 100, width: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetBaseClocks(tt.start, tt.end, tt.width))
		})
	}
}

func TestFitToBaseClocksIdentity(t *testing.T) {
	bc := GetBaseClocks(0, 2300, 100)
	values := make([]float64, len(bc))
	for i := range values {
		values[i] = float64(i*i) - 3.5
	}

	got := FitToBaseClocks(bc, bc, values)
	assert.Equal(t, values, got)

	got[0] = 1000
	assert.NotEqual(t, got[0], values[0], "result must not alias the input")
}

func TestFitToBaseClocks(t *testing.T) {
	bc := []int64{100, 200, 300, 400}

	tests := []struct {
		name   string
		clocks []int64
		values []float64
		want   []float64
	}{
		{
			name:   "samples before each base clock are averaged into the exact match",
			clocks: []int64{90, 100, 190, 200, 300},
			values: []float64{1, 3, 5, 7, 9},
			want:   []float64{2, 6, 9, 9},
		},
		{
			name:   "gap is filled with the next later sample",
			clocks: []int64{100, 350, 400},
			values: []float64{1, 5, 8},
			want:   []float64{1, 5, 5, 6.5},
		},
		{
			name:   "missing tail is forward filled with the last value",
			clocks: []int64{100, 200},
			values: []float64{4, 6},
			want:   []float64{4, 6, 6, 6},
		},
		{
			name:   "leftover tail is blended into the last bucket",
			clocks: []int64{100, 200, 300, 400, 410, 420},
			values: []float64{1, 2, 3, 4, 10, 20},
			want:   []float64{1, 2, 3, (4.0 + 15.0) / 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FitToBaseClocks(bc, tt.clocks, tt.values)
			require.Len(t, got, len(bc))
			assert.InDeltaSlice(t, tt.want, got, 1e-9)
		})
	}
}

func TestFitToBaseClocksEmpty(t *testing.T) {
	assert.Nil(t, FitToBaseClocks([]int64{100, 200}, nil, nil))
	assert.Empty(t, FitToBaseClocks(nil, []int64{1}, []float64{1}))
}

func TestFitToBaseClocksDeterministic(t *testing.T) {
	bc := GetBaseClocks(0, 3000, 600)
	clocks := []int64{10, 20, 600, 700, 1300, 2500, 2600, 3100}
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}

	first := FitToBaseClocks(bc, clocks, values)
	second := FitToBaseClocks(bc, clocks, values)
	assert.Equal(t, first, second)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, values)
}
