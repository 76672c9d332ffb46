package dataset

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type shardJob struct {
	id   int64
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

// streamOrdered reads every shard in order exactly once. Shards are opened
// by numWorkers goroutines in parallel, but samples are delivered strictly in
// shard order and, within a shard, in archive order.
func streamOrdered(ctx context.Context, order []orderEntry, numWorkers, pendingCap int) (<-chan Sample, <-chan error) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	jobs := make(chan shardJob, numWorkers)
	cursors := make(chan shardCursor, numWorkers)
	out := make(chan Sample, numWorkers*2)
	errCh := make(chan error, numWorkers)

	go produceJobs(ctx, jobs, order)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, pendingCap)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			cursor := shardCursor{id: job.id, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample, errCh chan<- error) {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case c, open := <-cursors:
				if !open {
					return
				}
				pending[c.id] = c
			}
			continue
		}

	drain:
		for {
			select {
			case <-ctx.Done():
				return
			case sample, open := <-cursor.samples:
				if !open {
					break drain
				}
				select {
				case <-ctx.Done():
					return
				case out <- sample:
				}
			}
		}

		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, order []orderEntry) {
	defer close(jobs)
	for id, entry := range order {
		select {
		case <-ctx.Done():
			return
		case jobs <- shardJob{id: int64(id), path: entry.path}:
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder interleaves shards across roots: the first shard of
// every root, then the second, and so on. Roots are visited in sorted order.
func buildRoundRobinOrder(roots map[string][]string) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	remaining := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		remaining[root] = shards
	}
	sort.Strings(rootNames)
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := remaining[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			remaining[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}
