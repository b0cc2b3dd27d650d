package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// BatchCall2SingleCall runs call for every input concurrently and waits for
// all of them. The result at index i belongs to inputs[i]; a failed call
// leaves the zero value of O in its slot and never affects other slots.
func BatchCall2SingleCall[I, O any](ctx context.Context, inputs []I, call func(context.Context, I) (O, error)) []O {
	results := make([]O, len(inputs))
	var wg sync.WaitGroup
	wg.Add(len(inputs))
	for i := range inputs {
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("batch call panicked", "index", i, "panic", r)
				}
			}()
			out, err := call(ctx, inputs[i])
			if err != nil {
				log.Debug("batch call failed", "index", i, "err", err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()
	return results
}
