package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Swind/go-dispatch/core"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func stressCommand() *cli.Command {
	return &cli.Command{
		Name:  "stress",
		Usage: "Hammer a queue hierarchy from many producers and verify ordering and width",

		Flags: []cli.Flag{
			&cli.IntFlag{Name: "producers", Aliases: []string{"p"}, Value: 8, Usage: "Producer goroutines, one serial queue each"},
			&cli.IntFlag{Name: "items", Aliases: []string{"i"}, Value: 10000, Usage: "Items per producer"},
			&cli.IntFlag{Name: "width", Aliases: []string{"w"}, Value: 4, Usage: "Width of the shared parent queue"},
			&cli.Float64Flag{Name: "rate", Value: 0, Usage: "Submissions per second per producer (0 = unlimited)"},
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Value: 0, Usage: "Stop producing after this long (0 = until --items)"},
			&cli.IntFlag{Name: "sync-every", Value: 0, Usage: "Make every Nth submission a SubmitAndWait (0 = never)"},
		},

		Action: stressAction,
	}
}

// stressOptions configures one stress run.
type stressOptions struct {
	Producers int
	Items     int
	Width     int
	Rate      float64
	Duration  time.Duration
	SyncEvery int
}

// stressResult summarizes a stress run.
type stressResult struct {
	Submitted     int64
	Executed      int64
	OrderErrors   int64
	WidthErrors   int64
	PeakRunning   int64
	Elapsed       time.Duration
	ProducerError error
}

func (r stressResult) ok() bool {
	return r.OrderErrors == 0 && r.WidthErrors == 0 && r.Submitted == r.Executed && r.ProducerError == nil
}

func stressAction(c *cli.Context) error {
	opts := stressOptions{
		Producers: c.Int("producers"),
		Items:     c.Int("items"),
		Width:     c.Int("width"),
		Rate:      c.Float64("rate"),
		Duration:  c.Duration("duration"),
		SyncEvery: c.Int("sync-every"),
	}
	if opts.Producers < 1 || opts.Items < 1 {
		return cli.Exit("--producers and --items must be positive", 2)
	}
	if opts.Width < 1 || opts.Width > core.MaxQueueWidth {
		return cli.Exit(fmt.Sprintf("--width must be between 1 and %d", core.MaxQueueWidth), 2)
	}

	cfg, err := engineConfig(c)
	if err != nil {
		return err
	}
	engine := core.NewEngine(cfg)
	defer engine.Shutdown()

	res := runStress(c.Context, engine, opts)

	w := c.App.Writer
	fmt.Fprintf(w, "submitted:     %d\n", res.Submitted)
	fmt.Fprintf(w, "executed:      %d\n", res.Executed)
	fmt.Fprintf(w, "peak running:  %d (width %d)\n", res.PeakRunning, opts.Width)
	fmt.Fprintf(w, "order errors:  %d\n", res.OrderErrors)
	fmt.Fprintf(w, "width errors:  %d\n", res.WidthErrors)
	fmt.Fprintf(w, "elapsed:       %v (%.0f items/s)\n", res.Elapsed.Round(time.Millisecond),
		float64(res.Executed)/res.Elapsed.Seconds())
	for _, p := range engine.Stats() {
		fmt.Fprintf(w, "%-20s workers=%d executed=%d spawn_failures=%d\n", p.Label, p.Workers, p.Executed, p.SpawnFailures)
	}
	if res.ProducerError != nil {
		return cli.Exit(fmt.Sprintf("producer failed: %v", res.ProducerError), 1)
	}
	if !res.ok() {
		return cli.Exit("invariant violations detected", 1)
	}
	return nil
}

// runStress builds one concurrent parent of the given width and one serial
// child per producer. Every child checks that its items run in submission
// order; the parent level checks that no more than width of them run at once.
func runStress(ctx context.Context, engine *core.Engine, opts stressOptions) stressResult {
	parent := engine.NewQueue("stress.parent", core.Concurrent(opts.Width))
	defer parent.Release()

	var res stressResult
	var submitted, executed, orderErrs, widthErrs, running, peak atomic.Int64

	item := func(last *atomic.Int64, seq int64) core.Task {
		return func(ctx context.Context) {
			n := running.Add(1)
			if n > int64(opts.Width) {
				widthErrs.Add(1)
			}
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if seq <= last.Load() {
				orderErrs.Add(1)
			}
			last.Store(seq)
			executed.Add(1)
			running.Add(-1)
		}
	}

	prodCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		prodCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	children := make([]*core.Queue, opts.Producers)
	for i := range children {
		children[i] = engine.NewQueue(fmt.Sprintf("stress.child.%d", i), core.WithTarget(parent))
	}
	defer func() {
		for _, q := range children {
			q.Release()
		}
	}()

	start := time.Now()
	g, gctx := errgroup.WithContext(prodCtx)
	for _, child := range children {
		g.Go(func() error {
			var limiter *rate.Limiter
			if opts.Rate > 0 {
				limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
			}
			last := new(atomic.Int64)
			for seq := int64(1); seq <= int64(opts.Items); seq++ {
				if gctx.Err() != nil {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return nil
					}
				}
				submitted.Add(1)
				if opts.SyncEvery > 0 && seq%int64(opts.SyncEvery) == 0 {
					err := child.SubmitAndWaitContext(gctx, item(last, seq))
					switch {
					case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
						// abandoned before it started: it never runs
						submitted.Add(-1)
						return nil
					case err != nil:
						return err
					}
					continue
				}
				child.Submit(item(last, seq))
			}
			return nil
		})
	}
	res.ProducerError = g.Wait()

	// Everything submitted still drains; wait without the producer deadline.
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, q := range children {
		if err := q.WaitIdle(waitCtx); err != nil && res.ProducerError == nil {
			res.ProducerError = fmt.Errorf("%s did not drain: %w", q.Label(), err)
		}
	}

	res.Elapsed = time.Since(start)
	res.Submitted = submitted.Load()
	res.Executed = executed.Load()
	res.OrderErrors = orderErrs.Load()
	res.WidthErrors = widthErrs.Load()
	res.PeakRunning = peak.Load()
	return res
}
