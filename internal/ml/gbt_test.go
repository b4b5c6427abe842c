package ml

import (
	"math"
	"testing"
)

// separable builds a two-class set split cleanly on feature 0, with mild
// deterministic variation on the other features.
func separable(n int) ([][]float64, []int) {
	features := make([][]float64, 0, n)
	labels := make([]int, 0, n)
	for i := 0; i < n; i++ {
		y := i % 2
		f0 := 0.20 + 0.001*float64(i)
		if y == 1 {
			f0 = 0.80 + 0.001*float64(i)
		}
		features = append(features, []float64{f0, float64(i%7) * 0.01, 50 + float64(i%5)})
		labels = append(labels, y)
	}
	return features, labels
}

func TestLearnsSeparableClasses(t *testing.T) {
	features, labels := separable(100)
	model := trainModel(features, labels, []string{"f0", "f1", "f2"}, 1.0)

	for i, row := range features {
		p := model.Score(row)
		if labels[i] == 1 && p < 0.7 {
			t.Errorf("positive sample %d scored %.3f, want > 0.7", i, p)
		}
		if labels[i] == 0 && p > 0.3 {
			t.Errorf("negative sample %d scored %.3f, want < 0.3", i, p)
		}
	}

	perf := evaluate(model, features, labels)
	if perf.AUC < 0.99 {
		t.Errorf("AUC = %.4f, want >= 0.99", perf.AUC)
	}
	if perf.Precision != 1 || perf.Recall != 1 || perf.F1 != 1 {
		t.Errorf("threshold metrics = %+v, want perfect on separable data", perf)
	}
	if perf.Samples != 100 || perf.Positives != 50 {
		t.Errorf("counts = %d/%d, want 100/50", perf.Samples, perf.Positives)
	}
}

func TestTrainingIsDeterministic(t *testing.T) {
	features, labels := separable(80)
	names := []string{"f0", "f1", "f2"}

	a := trainModel(features, labels, names, 1.0)
	b := trainModel(features, labels, names, 1.0)

	for i, row := range features {
		if a.Score(row) != b.Score(row) {
			t.Fatalf("sample %d scored %v then %v across identical fits", i, a.Score(row), b.Score(row))
		}
	}
	for i := range a.Importance {
		if a.Importance[i] != b.Importance[i] {
			t.Fatalf("importance[%d] = %v then %v across identical fits", i, a.Importance[i], b.Importance[i])
		}
	}
}

// Heavy class imbalance with posWeight = neg/pos still ranks every failing
// sample above every healthy one.
func TestImbalancedTrainingStillRanks(t *testing.T) {
	features := make([][]float64, 0, 100)
	labels := make([]int, 0, 100)
	for i := 0; i < 90; i++ {
		features = append(features, []float64{0.20 + 0.001*float64(i), float64(i % 4), 30})
		labels = append(labels, 0)
	}
	for i := 0; i < 10; i++ {
		features = append(features, []float64{0.85 + 0.001*float64(i), float64(i % 4), 30})
		labels = append(labels, 1)
	}

	model := trainModel(features, labels, []string{"f0", "f1", "f2"}, 9.0)

	minPos, maxNeg := 1.0, 0.0
	for i, row := range features {
		p := model.Score(row)
		if labels[i] == 1 && p < minPos {
			minPos = p
		}
		if labels[i] == 0 && p > maxNeg {
			maxNeg = p
		}
	}
	if minPos <= maxNeg {
		t.Errorf("worst positive %.3f does not outrank best negative %.3f", minPos, maxNeg)
	}
	if perf := evaluate(model, features, labels); perf.AUC < 0.99 {
		t.Errorf("AUC = %.4f, want >= 0.99", perf.AUC)
	}
}

func TestImportanceConcentratesOnSignal(t *testing.T) {
	features := make([][]float64, 0, 60)
	labels := make([]int, 0, 60)
	for i := 0; i < 60; i++ {
		y := i % 2
		signal := 10.0
		if y == 1 {
			signal = 20.0
		}
		features = append(features, []float64{1.0, float64(i % 3), signal + 0.01*float64(i), 5.0})
		labels = append(labels, y)
	}

	model := trainModel(features, labels, []string{"a", "b", "c", "d"}, 1.0)

	top := model.TopFeatures(3)
	if len(top) != 3 {
		t.Fatalf("TopFeatures(3) returned %d entries", len(top))
	}
	if top[0].Name != "c" {
		t.Errorf("top feature = %q, want the signal feature c", top[0].Name)
	}
	if top[0].Importance < 0.9 {
		t.Errorf("signal importance = %.3f, want > 0.9", top[0].Importance)
	}

	var total float64
	for _, v := range model.Importance {
		if v < 0 {
			t.Errorf("negative importance %v", v)
		}
		total += v
	}
	if math.Abs(total-1) > 1e-9 {
		t.Errorf("importances sum to %v, want 1", total)
	}
}

func TestRankAUC(t *testing.T) {
	// Tied pair straddling the classes: ranks 1, 2.5, 2.5, 4.
	if auc := rankAUC([]float64{0.1, 0.4, 0.4, 0.8}, []int{0, 0, 1, 1}); auc != 0.875 {
		t.Errorf("tied AUC = %v, want 0.875", auc)
	}
	if auc := rankAUC([]float64{0.1, 0.2, 0.8, 0.9}, []int{0, 0, 1, 1}); auc != 1 {
		t.Errorf("perfect AUC = %v, want 1", auc)
	}
	if auc := rankAUC([]float64{0.9, 0.8, 0.2, 0.1}, []int{0, 0, 1, 1}); auc != 0 {
		t.Errorf("inverted AUC = %v, want 0", auc)
	}
	if auc := rankAUC([]float64{0.3, 0.4}, []int{1, 1}); auc != 0.5 {
		t.Errorf("single-class AUC = %v, want 0.5", auc)
	}
}
