package mapper

import "sync"

// chunkRows is the fixed granularity of parallel passes. Chunk
// boundaries depend only on the axis length, never on the worker
// count, so per-chunk partial sums combine identically however the
// chunks are scheduled.
const chunkRows = 64

func chunkCount(n int) int { return (n + chunkRows - 1) / chunkRows }

// forEachChunk runs fn over [0, n) in fixed chunks fanned out across
// the given number of workers. fn must confine writes to chunk-owned
// slots or to indices within [start, end).
func forEachChunk(n, workers int, fn func(chunk, start, end int)) {
	nc := chunkCount(n)
	if nc == 0 {
		return
	}
	if workers > nc {
		workers = nc
	}
	if workers <= 1 {
		for c := 0; c < nc; c++ {
			fn(c, c*chunkRows, chunkEnd(c, n))
		}
		return
	}

	ch := make(chan int, nc)
	for c := 0; c < nc; c++ {
		ch <- c
	}
	close(ch)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range ch {
				fn(c, c*chunkRows, chunkEnd(c, n))
			}
		}()
	}
	wg.Wait()
}

func chunkEnd(chunk, n int) int {
	end := (chunk + 1) * chunkRows
	if end > n {
		end = n
	}
	return end
}
