package proxy

import (
	"context"
	"sync"
)

// Sweep checks every candidate concurrently with a bounded number of
// workers. Results keep candidate order.
func (p *Pool) Sweep(ctx context.Context) []Health {
	results := make([]Health, len(p.candidates))
	jobs := make(chan int, p.workers*2)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					results[i] = Health{Address: p.candidates[i], Error: ctx.Err().Error()}
					continue
				}
				results[i] = p.check(ctx, p.candidates[i])
			}
		}()
	}

	for i := range p.candidates {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	p.log.WithFields(map[string]interface{}{
		"candidates": len(results),
		"healthy":    Healthy(results),
		"workers":    p.workers,
	}).Info("Proxy sweep finished")

	return results
}

// Healthy counts healthy entries in results
func Healthy(results []Health) int {
	n := 0
	for _, h := range results {
		if h.Healthy {
			n++
		}
	}
	return n
}
