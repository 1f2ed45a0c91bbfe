package cluster

import (
	"fmt"
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector has zero magnitude.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot, am, bm float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		am += float64(a[i]) * float64(a[i])
		bm += float64(b[i]) * float64(b[i])
	}
	if am == 0 || bm == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(am) * math.Sqrt(bm)), nil
}

type Neighbor struct {
	Index      int
	Similarity float64
}

// Index answers nearest-neighbour queries over a fixed set of vectors by
// exhaustive scan.
type Index struct {
	vectors [][]float32
}

func NewIndex(vectors [][]float32) *Index {
	return &Index{vectors: vectors}
}

func (x *Index) Len() int { return len(x.vectors) }

// Within returns every vector whose cosine distance (1 - similarity) to query
// is at most maxDistance, most similar first. Vectors of another dimension are skipped.
func (x *Index) Within(query []float32, maxDistance float64) []Neighbor {
	var out []Neighbor
	for i, v := range x.vectors {
		sim, err := CosineSimilarity(query, v)
		if err != nil {
			continue
		}
		if 1-sim <= maxDistance {
			out = append(out, Neighbor{Index: i, Similarity: sim})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}
