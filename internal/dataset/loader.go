package dataset

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"esrgan-forge/internal/model"
)

// LoaderOptions configure batch assembly.
type LoaderOptions struct {
	BatchSize   int
	NumWorkers  int
	ImageSize   int // high resolution side length
	ScaleFactor int
	PendingCap  int
	Logger      logrus.FieldLogger
}

// Loader yields deterministic single-pass epochs of paired batches from
// WebDataset shards.
type Loader struct {
	opts    LoaderOptions
	order   []orderEntry
	samples int
}

// Open discovers shards under roots and counts their samples.
func Open(roots []string, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.ScaleFactor <= 0 || opts.ImageSize <= 0 || opts.ImageSize%opts.ScaleFactor != 0 {
		return nil, fmt.Errorf("image size %d must be a positive multiple of scale %d", opts.ImageSize, opts.ScaleFactor)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	byRoot, err := DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	l := &Loader{opts: opts, order: buildRoundRobinOrder(byRoot)}
	for _, entry := range l.order {
		n, err := CountShard(entry.path)
		if err != nil {
			return nil, err
		}
		l.samples += n
	}
	if l.samples == 0 {
		return nil, errors.New("dataset holds no complete samples")
	}
	opts.Logger.WithFields(logrus.Fields{
		"roots":   len(roots),
		"shards":  len(l.order),
		"samples": l.samples,
		"batches": l.Len(),
	}).Info("dataset opened")
	return l, nil
}

// Len reports the number of batches per epoch, counting a final partial one.
func (l *Loader) Len() int {
	return (l.samples + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Samples reports the number of paired samples per epoch.
func (l *Loader) Samples() int {
	return l.samples
}

// Batches streams one epoch. The batch channel closes at the end of the
// epoch; at most one error is delivered.
func (l *Loader) Batches(ctx context.Context) (<-chan model.Batch, <-chan error) {
	ctx, cancel := context.WithCancel(ctx)
	samples, sampleErr := streamOrdered(ctx, l.order, l.opts.NumWorkers, l.opts.PendingCap)
	out := make(chan model.Batch)
	errCh := make(chan error, 1)

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)

		asm := newAssembler(l.opts.BatchSize, l.opts.ImageSize, l.opts.ScaleFactor)
		emit := func() bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- asm.flush():
				return true
			}
		}
		for s := range samples {
			if err := asm.add(s); err != nil {
				errCh <- err
				return
			}
			if asm.full() && !emit() {
				return
			}
		}
		if err := <-sampleErr; err != nil {
			errCh <- err
			return
		}
		if err := ctx.Err(); err != nil {
			errCh <- err
			return
		}
		if asm.n > 0 {
			emit()
		}
	}()

	return out, errCh
}

// assembler packs decoded samples into NCHW buffers.
type assembler struct {
	capacity int
	hrSide   int
	lrSide   int
	n        int
	hr       []float64
	lr       []float64
}

func newAssembler(batchSize, imageSize, scale int) *assembler {
	a := &assembler{capacity: batchSize, hrSide: imageSize, lrSide: imageSize / scale}
	a.reset()
	return a
}

func (a *assembler) reset() {
	a.n = 0
	a.hr = make([]float64, a.capacity*Channels*a.hrSide*a.hrSide)
	a.lr = make([]float64, a.capacity*Channels*a.lrSide*a.lrSide)
}

func (a *assembler) add(s Sample) error {
	hrLen := Channels * a.hrSide * a.hrSide
	lrLen := Channels * a.lrSide * a.lrSide
	if err := decodeCHW(s.HR, a.hrSide, a.hrSide, a.hr[a.n*hrLen:(a.n+1)*hrLen]); err != nil {
		return fmt.Errorf("sample %s hr: %w", s.Key, err)
	}
	if err := decodeCHW(s.LR, a.lrSide, a.lrSide, a.lr[a.n*lrLen:(a.n+1)*lrLen]); err != nil {
		return fmt.Errorf("sample %s lr: %w", s.Key, err)
	}
	a.n++
	return nil
}

func (a *assembler) full() bool { return a.n == a.capacity }

func (a *assembler) flush() model.Batch {
	n := a.n
	b := model.Batch{
		HR: tensor.New(
			tensor.WithShape(n, Channels, a.hrSide, a.hrSide),
			tensor.WithBacking(a.hr[:n*Channels*a.hrSide*a.hrSide]),
		),
		LR: tensor.New(
			tensor.WithShape(n, Channels, a.lrSide, a.lrSide),
			tensor.WithBacking(a.lr[:n*Channels*a.lrSide*a.lrSide]),
		),
	}
	a.reset()
	return b
}
