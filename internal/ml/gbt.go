// Package ml trains and serves the weakly-supervised miner failure
// predictor. Labels come from the event store (a miner is positive when it
// had a P0 or P1 event inside the trailing window); features come from the
// live baseline rows. The model is a small gradient-boosted tree ensemble,
// serialized as a JSON blob next to its registry row.
package ml

import (
	"math"
	"sort"
)

// Boosting hyperparameters. Fixed rather than configurable: training sets
// are small and retrains run daily.
const (
	numTrees     = 60
	maxDepth     = 3
	learningRate = 0.1
	minLeafSize  = 5
	regLambda    = 1.0
)

// treeNode is one node of a fitted regression tree in the shape the model
// blob serializes. A node with no children is a leaf and Value is its
// output in log-odds space.
type treeNode struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t,omitempty"`
	Value     float64   `json:"v,omitempty"`
	Left      *treeNode `json:"l,omitempty"`
	Right     *treeNode `json:"r,omitempty"`
}

func (n *treeNode) leaf() bool { return n.Left == nil && n.Right == nil }

// Model is a gradient-boosted tree classifier for binary failure
// prediction.
type Model struct {
	FeatureNames []string    `json:"feature_names"`
	Base         float64     `json:"base"` // prior log-odds
	LearningRate float64     `json:"learning_rate"`
	Trees        []*treeNode `json:"trees"`
	Importance   []float64   `json:"importance"` // split gain per feature, normalized
}

// FeatureImportance names one model input and its share of total split gain.
type FeatureImportance struct {
	Name       string  `json:"name"`
	Importance float64 `json:"importance"`
}

// Metrics summarizes training-set performance of a fitted model.
type Metrics struct {
	AUC       float64 `json:"auc"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Samples   int     `json:"samples"`
	Positives int     `json:"positives"`
}

// trainModel fits the ensemble with logistic loss. Each round fits a
// regression tree to the loss gradient and steps the per-sample score by a
// Newton leaf value. posWeight multiplies the weight of positive samples to
// counter class imbalance.
func trainModel(features [][]float64, labels []int, names []string, posWeight float64) *Model {
	n := len(features)

	weights := make([]float64, n)
	posMass, totalMass := 0.0, 0.0
	for i, y := range labels {
		w := 1.0
		if y == 1 {
			w = posWeight
		}
		weights[i] = w
		totalMass += w
		if y == 1 {
			posMass += w
		}
	}

	prior := clampProb(posMass / totalMass)
	model := &Model{
		FeatureNames: names,
		Base:         math.Log(prior / (1 - prior)),
		LearningRate: learningRate,
		Importance:   make([]float64, len(names)),
	}

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = model.Base
	}

	grad := make([]float64, n)
	hess := make([]float64, n)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	for round := 0; round < numTrees; round++ {
		for i := range features {
			p := sigmoid(scores[i])
			grad[i] = float64(labels[i]) - p
			hess[i] = p * (1 - p)
		}
		tree := buildTree(features, grad, hess, weights, all, 0, model.Importance)
		model.Trees = append(model.Trees, tree)
		for i, row := range features {
			scores[i] += learningRate * evalTree(tree, row)
		}
	}

	normalize(model.Importance)
	return model
}

// Score returns the predicted failure probability for one feature row.
func (m *Model) Score(row []float64) float64 {
	s := m.Base
	for _, tree := range m.Trees {
		s += m.LearningRate * evalTree(tree, row)
	}
	return sigmoid(s)
}

// TopFeatures returns the k most important inputs, highest share first.
func (m *Model) TopFeatures(k int) []FeatureImportance {
	order := make([]int, len(m.Importance))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return m.Importance[order[i]] > m.Importance[order[j]]
	})
	if k > len(order) {
		k = len(order)
	}
	top := make([]FeatureImportance, 0, k)
	for _, idx := range order[:k] {
		top = append(top, FeatureImportance{Name: m.FeatureNames[idx], Importance: m.Importance[idx]})
	}
	return top
}

// buildTree grows one regression tree greedily. Splits maximize the
// weighted-gradient gain; leaves take a single Newton step.
func buildTree(features [][]float64, grad, hess, weights []float64, idx []int, depth int, importance []float64) *treeNode {
	if depth >= maxDepth || len(idx) < 2*minLeafSize {
		return &treeNode{Feature: -1, Value: leafValue(grad, hess, weights, idx)}
	}

	feature, threshold, gain := bestSplit(features, grad, hess, weights, idx)
	if feature < 0 || gain <= 1e-12 {
		return &treeNode{Feature: -1, Value: leafValue(grad, hess, weights, idx)}
	}
	importance[feature] += gain

	var left, right []int
	for _, i := range idx {
		if features[i][feature] < threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &treeNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      buildTree(features, grad, hess, weights, left, depth+1, importance),
		Right:     buildTree(features, grad, hess, weights, right, depth+1, importance),
	}
}

// bestSplit scans every feature for the threshold with the largest gain.
// Features are scanned in index order and improvements must be strict, so
// ties resolve to the lowest feature index and the fit is deterministic.
func bestSplit(features [][]float64, grad, hess, weights []float64, idx []int) (int, float64, float64) {
	var totalG, totalH float64
	for _, i := range idx {
		totalG += weights[i] * grad[i]
		totalH += weights[i] * hess[i]
	}
	parent := totalG * totalG / (totalH + regLambda)

	bestFeature, bestThreshold, bestGain := -1, 0.0, 0.0
	order := make([]int, len(idx))

	for f := 0; f < len(features[idx[0]]); f++ {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool {
			return features[order[a]][f] < features[order[b]][f]
		})

		var leftG, leftH float64
		for pos := 0; pos < len(order)-1; pos++ {
			i := order[pos]
			leftG += weights[i] * grad[i]
			leftH += weights[i] * hess[i]

			// Candidate splits sit between distinct adjacent values only;
			// equal values never separate.
			cur, next := features[i][f], features[order[pos+1]][f]
			if cur == next {
				continue
			}
			if pos+1 < minLeafSize || len(order)-pos-1 < minLeafSize {
				continue
			}

			rightG, rightH := totalG-leftG, totalH-leftH
			gain := leftG*leftG/(leftH+regLambda) + rightG*rightG/(rightH+regLambda) - parent
			if gain > bestGain {
				bestFeature = f
				bestThreshold = cur + (next-cur)/2
				bestGain = gain
			}
		}
	}
	return bestFeature, bestThreshold, bestGain
}

// leafValue is the Newton step for logistic loss over the leaf's samples.
func leafValue(grad, hess, weights []float64, idx []int) float64 {
	var g, h float64
	for _, i := range idx {
		g += weights[i] * grad[i]
		h += weights[i] * hess[i]
	}
	v := g / (h + regLambda)
	if v > 4 {
		v = 4
	}
	if v < -4 {
		v = -4
	}
	return v
}

func evalTree(node *treeNode, row []float64) float64 {
	for !node.leaf() {
		if row[node.Feature] < node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}
	return node.Value
}

// evaluate computes the training-set metrics recorded on the registry row.
// Precision, recall and F1 use the 0.5 threshold; AUC is rank-based.
func evaluate(model *Model, features [][]float64, labels []int) Metrics {
	scores := make([]float64, len(features))
	positives := 0
	for i, row := range features {
		scores[i] = model.Score(row)
		if labels[i] == 1 {
			positives++
		}
	}

	var tp, fp, fn float64
	for i, s := range scores {
		predicted := s >= 0.5
		switch {
		case predicted && labels[i] == 1:
			tp++
		case predicted && labels[i] == 0:
			fp++
		case !predicted && labels[i] == 1:
			fn++
		}
	}

	m := Metrics{
		AUC:       rankAUC(scores, labels),
		Samples:   len(features),
		Positives: positives,
	}
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// rankAUC is the Mann-Whitney estimate of ROC AUC. Tied scores share the
// average of their ranks. Degenerate label sets score 0.5.
func rankAUC(scores []float64, labels []int) float64 {
	n := len(scores)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	ranks := make([]float64, n)
	for start := 0; start < n; {
		end := start + 1
		for end < n && scores[order[end]] == scores[order[start]] {
			end++
		}
		// Ranks are 1-based; tied block shares the mean rank.
		mean := float64(start+1+end) / 2
		for k := start; k < end; k++ {
			ranks[order[k]] = mean
		}
		start = end
	}

	var posRankSum float64
	nPos, nNeg := 0, 0
	for i, y := range labels {
		if y == 1 {
			posRankSum += ranks[i]
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	return (posRankSum - float64(nPos)*float64(nPos+1)/2) / (float64(nPos) * float64(nNeg))
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func clampProb(p float64) float64 {
	const eps = 1e-6
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}

func normalize(values []float64) {
	var total float64
	for _, v := range values {
		total += v
	}
	if total <= 0 {
		return
	}
	for i := range values {
		values[i] /= total
	}
}
