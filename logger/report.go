package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type componentStat struct {
	warns  atomic.Int64
	errors atomic.Int64
}

var components sync.Map // map[string]*componentStat

func statFor(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	statFor(component).warns.Add(1)
}

func recordError(component string) {
	statFor(component).errors.Add(1)
}

// ComponentCounts is the number of warnings and errors a component logged.
type ComponentCounts struct {
	Component string `json:"component"`
	Warns     int64  `json:"warns"`
	Errors    int64  `json:"errors"`
}

// Counts returns per-component warning and error totals sorted by component.
func Counts() []ComponentCounts {
	out := make([]ComponentCounts, 0)
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		out = append(out, ComponentCounts{
			Component: k.(string),
			Warns:     cs.warns.Load(),
			Errors:    cs.errors.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var warns, errs int64
	for _, c := range Counts() {
		warns += c.Warns
		errs += c.Errors
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    mem.HeapAlloc / 1024 / 1024,
		"warns":      warns,
		"errors":     errs,
	}).Info("runtime report")
}
