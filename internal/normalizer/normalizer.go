// Package normalizer aligns irregular samples onto a fixed grid of base
// clocks so that series from different items are positionally comparable.
package normalizer

// GetBaseClocks returns the grid from start to end stepped by width. Both
// bounds are floored to a multiple of width and the range is inclusive.
func GetBaseClocks(start, end, width int64) []int64 {
	if width <= 0 {
		return nil
	}
	start -= mod(start, width)
	end -= mod(end, width)
	if end < start {
		return nil
	}
	clocks := make([]int64, 0, (end-start)/width+1)
	for c := start; c <= end; c += width {
		clocks = append(clocks, c)
	}
	return clocks
}

func mod(v, m int64) int64 {
	r := v % m
	if r < 0 {
		r += m
	}
	return r
}

// FitToBaseClocks maps the sorted samples (clocks[i], values[i]) onto
// baseClocks and returns one value per base clock.
//
// A sample later than the current base clock is assigned to it. Samples
// earlier than the base clock are buffered and averaged into the next
// sample landing exactly on a base clock. Base clocks left over once the
// samples run out are filled with the last sample value, and samples left
// over once the grid runs out are blended into the final bucket as the mean
// of its value and the tail mean.
//
// When the sample count already equals the grid size the values are
// returned unchanged. The input slices are never modified.
func FitToBaseClocks(baseClocks, clocks []int64, values []float64) []float64 {
	n := len(clocks)
	if len(values) < n {
		n = len(values)
	}
	if len(baseClocks) == 0 {
		return []float64{}
	}
	if n == 0 {
		return nil
	}
	if n == len(baseClocks) {
		out := make([]float64, n)
		copy(out, values[:n])
		return out
	}

	out := make([]float64, len(baseClocks))
	var (
		i, j   int
		bufSum float64
		bufCnt int
	)
	for i < len(baseClocks) && j < n {
		switch {
		case clocks[j] > baseClocks[i]:
			out[i] = values[j]
			i++
		case clocks[j] == baseClocks[i]:
			if bufCnt == 0 {
				out[i] = values[j]
			} else {
				out[i] = (bufSum + values[j]) / float64(bufCnt+1)
				bufSum, bufCnt = 0, 0
			}
			i++
			j++
		default:
			bufSum += values[j]
			bufCnt++
			j++
		}
	}

	for ; i < len(baseClocks); i++ {
		out[i] = values[n-1]
	}

	if j < n {
		var tail float64
		for _, v := range values[j:n] {
			tail += v
		}
		tail /= float64(n - j)
		out[len(out)-1] = (out[len(out)-1] + tail) / 2
	}
	return out
}
