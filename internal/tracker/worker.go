package tracker

import (
	"context"
	"runtime"
	"sort"
)

// DefaultWorkerBatchSize is the chunk size for batched worker runs.
const DefaultWorkerBatchSize = 1024

// Worker is a user-supplied device predicate. It returns true to add
// the device to the run's matched accumulator.
//
// In read-write runs the executor holds the device's mutation lock
// around each call, so the worker may modify guarded fields. In
// read-only runs no lock is taken and the worker must not mutate.
type Worker func(*Device) bool

// matchOptions tunes a worker run.
type matchOptions struct {
	batch     bool
	batchSize int
	readonly  bool
}

// MatchOnDevices runs a read-write worker over all tracked devices in
// batched ordinal order, accumulating matches.
func (t *Tracker) MatchOnDevices(ctx context.Context, worker Worker) ([]*Device, error) {
	return t.matchDevices(ctx, worker, t.index.snapshotVec(), matchOptions{batch: true, batchSize: DefaultWorkerBatchSize})
}

// MatchOnReadonlyDevices runs a read-only worker over all tracked
// devices. The worker must not modify devices; the per-device lock is
// bypassed.
func (t *Tracker) MatchOnReadonlyDevices(ctx context.Context, worker Worker) ([]*Device, error) {
	return t.matchDevices(ctx, worker, t.index.snapshotVec(), matchOptions{batch: true, batchSize: DefaultWorkerBatchSize, readonly: true})
}

// MatchOnDeviceVector runs a read-write worker over a caller-provided
// vector. The vector is duplicated and sorted by ordinal before the
// run, so the caller's slice is never touched.
func (t *Tracker) MatchOnDeviceVector(ctx context.Context, worker Worker, source []*Device) ([]*Device, error) {
	dup := make([]*Device, len(source))
	copy(dup, source)
	sort.Slice(dup, func(i, j int) bool { return dup[i].Ordinal < dup[j].Ordinal })

	return t.matchDevices(ctx, worker, dup, matchOptions{batch: true, batchSize: DefaultWorkerBatchSize})
}

// MatchOnReadonlyDeviceVector is MatchOnDeviceVector without the
// per-device lock; the worker must not mutate.
func (t *Tracker) MatchOnReadonlyDeviceVector(ctx context.Context, worker Worker, source []*Device) ([]*Device, error) {
	dup := make([]*Device, len(source))
	copy(dup, source)
	sort.Slice(dup, func(i, j int) bool { return dup[i].Ordinal < dup[j].Ordinal })

	return t.matchDevices(ctx, worker, dup, matchOptions{batch: true, batchSize: DefaultWorkerBatchSize, readonly: true})
}

// MatchOnDeviceVectorRaw runs a worker over the caller's vector without
// duplicating or reordering it. The caller guarantees the slice is
// stable for the duration of the run.
func (t *Tracker) MatchOnDeviceVectorRaw(ctx context.Context, worker Worker, source []*Device, readonly bool) ([]*Device, error) {
	return t.matchDevices(ctx, worker, source, matchOptions{batch: true, batchSize: DefaultWorkerBatchSize, readonly: readonly})
}

// matchDevices is the executor. The source is an immutable or
// caller-stable slice, so no index lock is held while workers run;
// between batches the scheduler is yielded so mutation paths proceed.
//
// Guarantees per run: each device visited at most once, in the source's
// order (ordinal order for index-derived sources); devices removed from
// the index mid-run are skipped from the point of removal; devices
// inserted mid-run are not visited.
func (t *Tracker) matchDevices(ctx context.Context, worker Worker, source []*Device, opts matchOptions) ([]*Device, error) {
	batchSize := opts.batchSize
	if !opts.batch || batchSize <= 0 {
		batchSize = len(source)
		if batchSize == 0 {
			batchSize = 1
		}
	}

	var matched []*Device

	for start := 0; start < len(source); start += batchSize {
		// Cooperative cancel, checked between batches.
		if err := ctx.Err(); err != nil {
			return matched, err
		}

		end := start + batchSize
		if end > len(source) {
			end = len(source)
		}

		for _, d := range source[start:end] {
			if d == nil {
				continue
			}

			// Skip devices removed since the snapshot was taken.
			if t.index.fetch(d.Key) != d {
				continue
			}

			if opts.readonly {
				if worker(d) {
					matched = append(matched, d)
				}
				continue
			}

			d.Lock()
			keep := worker(d)
			d.Unlock()
			if keep {
				matched = append(matched, d)
			}
		}

		if end < len(source) {
			runtime.Gosched()
		}
	}

	return matched, nil
}
