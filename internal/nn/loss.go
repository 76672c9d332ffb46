package nn

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// bceEpsilon keeps log() finite for saturated probabilities.
const bceEpsilon = 1e-12

// BCE is the mean binary cross-entropy between probabilities pred and
// targets of the same shape.
func BCE(pred, target *gorgonia.Node) (*gorgonia.Node, error) {
	if !pred.Shape().Eq(target.Shape()) {
		return nil, errors.Errorf("bce: prediction shape %v != target shape %v", pred.Shape(), target.Shape())
	}
	eps := gorgonia.NewConstant(bceEpsilon)
	one := gorgonia.NewConstant(1.0)

	logP, err := gorgonia.Log(gorgonia.Must(gorgonia.Add(pred, eps)))
	if err != nil {
		return nil, errors.Wrap(err, "bce: log(p)")
	}
	q := gorgonia.Must(gorgonia.Sub(one, pred))
	logQ, err := gorgonia.Log(gorgonia.Must(gorgonia.Add(q, eps)))
	if err != nil {
		return nil, errors.Wrap(err, "bce: log(1-p)")
	}
	notTarget := gorgonia.Must(gorgonia.Sub(one, target))

	pos := gorgonia.Must(gorgonia.HadamardProd(target, logP))
	neg := gorgonia.Must(gorgonia.HadamardProd(notTarget, logQ))
	sum := gorgonia.Must(gorgonia.Add(pos, neg))
	mean, err := gorgonia.Mean(sum)
	if err != nil {
		return nil, errors.Wrap(err, "bce: mean")
	}
	return gorgonia.Neg(mean)
}

// BCEValue computes the same loss on plain slices.
func BCEValue(pred, target []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	var sum float64
	for i, p := range pred {
		t := target[i]
		sum += t*math.Log(p+bceEpsilon) + (1-t)*math.Log(1-p+bceEpsilon)
	}
	return -sum / float64(len(pred))
}
