package cluster

import "gonum.org/v1/gonum/mat"

// Noise is the DBSCAN label of points that belong to no cluster.
const Noise = -1

// DBSCAN clusters the points of a precomputed distance matrix. A point is a
// core point when at least minSamples points, itself included, lie within
// eps. Clusters are labelled 0, 1, ... in the order their first core point
// appears; border points join the first cluster that reaches them.
func DBSCAN(dist mat.Symmetric, eps float64, minSamples int) []int {
	n := dist.SymmetricDim()
	neighbors := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if dist.At(i, j) <= eps {
				neighbors[i] = append(neighbors[i], j)
			}
		}
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = Noise
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != Noise || len(neighbors[i]) < minSamples {
			continue
		}
		stack := []int{i}
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if labels[p] != Noise {
				continue
			}
			labels[p] = next
			if len(neighbors[p]) < minSamples {
				continue
			}
			for _, q := range neighbors[p] {
				if labels[q] == Noise {
					stack = append(stack, q)
				}
			}
		}
		next++
	}
	return labels
}
