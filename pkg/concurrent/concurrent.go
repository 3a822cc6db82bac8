/*
Copyright 2025 Hare Krishna Rai

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package concurrent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProcessorConfig contains configuration for concurrent processing
type ProcessorConfig struct {
	// MaxWorkers defines the maximum number of concurrent workers
	// If 0, uses number of CPU cores
	MaxWorkers int

	// Timeout for processing a single item
	ItemTimeout time.Duration

	// Enable progress reporting
	ShowProgress bool

	// Progress destination, stderr when nil
	Output io.Writer

	Logger *slog.Logger
}

// DefaultProcessorConfig returns a default configuration
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		MaxWorkers:   runtime.NumCPU(),
		ShowProgress: false,
	}
}

// ProgressReporter handles progress reporting during concurrent processing
type ProgressReporter struct {
	Total        int
	Completed    int
	mutex        sync.RWMutex
	showProgress bool
	out          io.Writer
}

// NewProgressReporter creates a new progress reporter
func NewProgressReporter(total int, showProgress bool, out io.Writer) *ProgressReporter {
	if out == nil {
		out = os.Stderr
	}
	return &ProgressReporter{
		Total:        total,
		Completed:    0,
		showProgress: showProgress,
		out:          out,
	}
}

// Update increments the completed count and reports progress
func (pr *ProgressReporter) Update(name string) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.Completed++

	if pr.showProgress && pr.Total > 0 {
		percentage := float64(pr.Completed) / float64(pr.Total) * 100
		fmt.Fprintf(pr.out, "\r🔍 Scanning... [%d/%d] (%.1f%%) - %s",
			pr.Completed, pr.Total, percentage, name)

		if pr.Completed == pr.Total {
			fmt.Fprintln(pr.out) // New line when complete
		}
	}
}

// GetProgress returns current progress information
func (pr *ProgressReporter) GetProgress() (completed, total int) {
	pr.mutex.RLock()
	defer pr.mutex.RUnlock()
	return pr.Completed, pr.Total
}

// Processor runs independent units of work on a bounded worker pool
type Processor struct {
	config   *ProcessorConfig
	log      *slog.Logger
	reporter *ProgressReporter
}

// NewProcessor creates a new processor
func NewProcessor(config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}

	// Ensure we have at least 1 worker
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.NumCPU()
	}

	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Processor{config: config, log: log}
}

// Each calls fn for every item with at most MaxWorkers calls in flight. A
// failing item is logged and does not stop the others; the returned error
// is the context's once it is done.
func Each[T any](ctx context.Context, p *Processor, items []T, name func(T) string, fn func(context.Context, T) error) error {
	p.reporter = NewProgressReporter(len(items), p.config.ShowProgress, p.config.Output)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.MaxWorkers)

	for _, item := range items {
		item := item
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			itemCtx := gctx
			if p.config.ItemTimeout > 0 {
				var cancel context.CancelFunc
				itemCtx, cancel = context.WithTimeout(gctx, p.config.ItemTimeout)
				defer cancel()
			}

			start := time.Now()
			if err := fn(itemCtx, item); err != nil {
				p.log.Warn(fmt.Sprintf("Error processing %s", name(item)), "err", err)
			} else {
				p.log.Debug(fmt.Sprintf("Processed %s", name(item)), "duration", time.Since(start))
			}
			p.reporter.Update(name(item))
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

// GetStats returns processing statistics of the last run
func (p *Processor) GetStats() (completed, total int) {
	if p.reporter != nil {
		completed, total = p.reporter.GetProgress()
	}
	return completed, total
}
