package detector

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"
)

// ErrNoTrainingData signals a Fit call with an empty value set.
var ErrNoTrainingData = errors.New("no training data")

// Forest is an isolation forest over one-dimensional observations. Scores
// approach 1 for easily isolated (anomalous) values and hover near 0.5 when
// a value is indistinguishable from the training mass.
type Forest struct {
	trees         []*treeNode
	numTrees      int
	subSampleSize int
	maxDepth      int
	rng           *rand.Rand

	sampleSize int
	threshold  float64
}

type treeNode struct {
	splitValue float64
	left       *treeNode
	right      *treeNode
	size       int
	leaf       bool
}

// NewForest creates an untrained forest. A seed of zero selects a time-based
// seed; maxDepth of zero derives the depth cap from the subsample size at
// fit time.
func NewForest(numTrees, subSampleSize, maxDepth int, seed int64) *Forest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if subSampleSize <= 0 {
		subSampleSize = 256
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Forest{
		numTrees:      numTrees,
		subSampleSize: subSampleSize,
		maxDepth:      maxDepth,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Fit trains the forest and derives the anomaly threshold so that roughly a
// contamination fraction of the training values would be flagged.
func (f *Forest) Fit(values []float64, contamination float64) error {
	if len(values) == 0 {
		return ErrNoTrainingData
	}

	f.sampleSize = f.subSampleSize
	if f.sampleSize > len(values) {
		f.sampleSize = len(values)
	}
	depth := f.maxDepth
	if depth <= 0 {
		depth = int(math.Ceil(math.Log2(float64(f.sampleSize) + 1)))
	}

	f.trees = make([]*treeNode, 0, f.numTrees)
	for i := 0; i < f.numTrees; i++ {
		sample := f.sampleValues(values)
		f.trees = append(f.trees, f.buildTree(sample, 0, depth))
	}

	f.threshold = f.fitThreshold(values, contamination)
	return nil
}

// Score computes the anomaly score 2^(-avgPath/c(n)) for a value.
func (f *Forest) Score(value float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}

	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, value, 0)
	}
	avg := total / float64(len(f.trees))

	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

// IsAnomaly reports whether the value scores above the fitted threshold.
// Scores at or below 0.5 carry no isolation signal and never flag, which
// keeps a forest fitted on constant data from flagging everything.
func (f *Forest) IsAnomaly(value float64) bool {
	score := f.Score(value)
	return score > 0.5 && score >= f.threshold
}

// Threshold returns the fitted score cutoff.
func (f *Forest) Threshold() float64 {
	return f.threshold
}

// Trained reports whether Fit has been called.
func (f *Forest) Trained() bool {
	return len(f.trees) > 0
}

// fitThreshold scores the training values and takes the contamination
// quantile of the descending score distribution as the cutoff.
func (f *Forest) fitThreshold(values []float64, contamination float64) float64 {
	if contamination <= 0 || contamination >= 1 {
		contamination = 0.1
	}

	scores := make([]float64, len(values))
	for i, v := range values {
		scores[i] = f.Score(v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))

	k := int(math.Floor(contamination * float64(len(scores))))
	if k < 1 {
		k = 1
	}
	if k > len(scores) {
		k = len(scores)
	}
	return scores[k-1]
}

// sampleValues takes a Fisher-Yates subsample of the training values.
func (f *Forest) sampleValues(values []float64) []float64 {
	shuffled := make([]float64, len(values))
	copy(shuffled, values)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := f.rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:f.sampleSize]
}

func (f *Forest) buildTree(values []float64, depth, maxDepth int) *treeNode {
	if len(values) <= 1 || depth >= maxDepth {
		return &treeNode{size: len(values), leaf: true}
	}
	if allIdentical(values) {
		return &treeNode{size: len(values), leaf: true}
	}

	minVal, maxVal := valueRange(values)
	split := minVal + f.rng.Float64()*(maxVal-minVal)

	var left, right []float64
	for _, v := range values {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &treeNode{size: len(values), leaf: true}
	}

	return &treeNode{
		splitValue: split,
		left:       f.buildTree(left, depth+1, maxDepth),
		right:      f.buildTree(right, depth+1, maxDepth),
		size:       len(values),
	}
}

func pathLength(node *treeNode, value float64, depth int) float64 {
	if node.leaf {
		return float64(depth) + averagePathLength(node.size)
	}
	if value < node.splitValue {
		return pathLength(node.left, value, depth+1)
	}
	return pathLength(node.right, value, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search: c(n) = 2H(n-1) - 2(n-1)/n.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	return 2*harmonicNumber(n-1) - (2 * float64(n-1) / float64(n))
}

// harmonicNumber approximates H(n) with the Euler-Mascheroni constant.
func harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

func allIdentical(values []float64) bool {
	if len(values) <= 1 {
		return true
	}
	first := values[0]
	for _, v := range values[1:] {
		if math.Abs(v-first) > 1e-10 {
			return false
		}
	}
	return true
}

func valueRange(values []float64) (float64, float64) {
	minVal, maxVal := values[0], values[0]
	for _, v := range values {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return minVal, maxVal
}
