// Package agent implements the orchestration layer: the Home and Utility actor
// loops that wire every other package together onto the bus, each driven by
// its own set of periodic timers in the pattern of the teacher's
// PeriodicTask/MinerScheduler.Start.
package agent

import (
	"context"
	"log"
	"sync"
	"time"
)

// periodicTask runs runFunc every interval after an optional initialDelay,
// stopping when ctx is cancelled or stopChan closes.
type periodicTask struct {
	name         string
	initialDelay time.Duration
	interval     time.Duration
	runFunc      func()
}

func (pt *periodicTask) run(ctx context.Context, stopChan <-chan struct{}, logger *log.Logger) {
	if pt.initialDelay > 0 {
		select {
		case <-time.After(pt.initialDelay):
			pt.runFunc()
		case <-ctx.Done():
			logger.Printf("[%s] stopped during initial delay: context cancelled", pt.name)
			return
		case <-stopChan:
			logger.Printf("[%s] stopped during initial delay: stop signal", pt.name)
			return
		}
	} else {
		pt.runFunc()
	}

	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pt.runFunc()
		case <-ctx.Done():
			logger.Printf("[%s] stopped: context cancelled", pt.name)
			return
		case <-stopChan:
			logger.Printf("[%s] stopped: stop signal", pt.name)
			return
		}
	}
}

// runTasks launches every task in its own goroutine and blocks until all of
// them have returned, mirroring MinerScheduler.Start's wg.Wait().
func runTasks(ctx context.Context, tasks []*periodicTask, stopChan <-chan struct{}, logger *log.Logger) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.run(ctx, stopChan, logger)
		}()
	}
	wg.Wait()
}

func closeOnce(stopChan chan struct{}) {
	select {
	case <-stopChan:
	default:
		close(stopChan)
	}
}
