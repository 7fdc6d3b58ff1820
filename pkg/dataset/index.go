package dataset

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"stkriging/internal/models"
	"stkriging/pkg/distance"
)

// indexedPoint is a feature space location tagged with its observation id
type indexedPoint struct {
	models.Point
	id int
}

// Compare implements the kdtree.Comparable interface
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p indexedPoint) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// indexedPoints is a collection of indexedPoint that satisfies kdtree.Interface
type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{indexedPoints: p, Dim: d}, kdtree.MedianOfRandoms(plane{indexedPoints: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for indexedPoints
type plane struct {
	indexedPoints
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.indexedPoints[i].X < p.indexedPoints[j].X
	case 1:
		return p.indexedPoints[i].Y < p.indexedPoints[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{indexedPoints: p.indexedPoints[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}

// Index answers space-time radius queries over a fixed set of observations.
// Euclidean feature spaces are served by a KD-tree; the cosine distance is
// not a metric the tree can prune with, so it falls back to a linear scan.
// An Index is read-only after construction and safe for concurrent use.
type Index struct {
	metric distance.Metric
	points []models.Point
	times  []float64
	tree   *kdtree.Tree
}

// NewIndex builds an index over parallel point and time slices, which it
// retains without copying
func NewIndex(metric distance.Metric, points []models.Point, times []float64) *Index {
	idx := &Index{metric: metric, points: points, times: times}
	if metric == distance.Euclidean && len(points) > 0 {
		ps := make(indexedPoints, len(points))
		for i, p := range points {
			ps[i] = indexedPoint{Point: p, id: i}
		}
		idx.tree = kdtree.New(ps, false)
	}
	return idx
}

// Candidates returns, in ascending order, the ids of the observations within
// spaceMax and timeMax of the target, skipping ids in exclude
func (x *Index) Candidates(target models.Target, spaceMax, timeMax float64, exclude models.IndexSet) []int {
	var ids []int
	keep := func(id int) {
		if exclude.Contains(id) {
			return
		}
		if distance.Time(x.times[id], target.Time) > timeMax {
			return
		}
		ids = append(ids, id)
	}

	if x.tree != nil {
		keeper := kdtree.NewDistKeeper(spaceMax * spaceMax)
		x.tree.NearestSet(keeper, indexedPoint{Point: target.Space, id: -1})
		for _, item := range keeper.Heap {
			// Skip the sentinel value
			if item.Comparable == nil {
				continue
			}
			keep(item.Comparable.(indexedPoint).id)
		}
		sort.Ints(ids)
		return ids
	}

	for id, p := range x.points {
		if distance.Space(x.metric, p, target.Space) <= spaceMax {
			keep(id)
		}
	}
	return ids
}
