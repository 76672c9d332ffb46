package metrics

import "time"

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastGen  float64
	lastDisc float64
	sumGen   float64
	sumDisc  float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, genLoss, discLoss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastGen = genLoss
	w.lastDisc = discLoss
	w.sumGen += genLoss
	w.sumDisc += discLoss
}

// Steps reports the number of steps recorded since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.AvgGenLoss = w.sumGen / float64(w.steps)
		snap.AvgDiscLoss = w.sumDisc / float64(w.steps)
	}
	snap.LastGenLoss = w.lastGen
	snap.LastDiscLoss = w.lastDisc

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastGenLoss  float64
	LastDiscLoss float64
	AvgGenLoss   float64
	AvgDiscLoss  float64
}
