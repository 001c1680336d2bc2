package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-dispatch/core"
	"github.com/urfave/cli/v2"
)

func scenarioCommand() *cli.Command {
	return &cli.Command{
		Name:    "scenario",
		Aliases: []string{"sc"},
		Usage:   "Run one of the reference scenarios and print the observed order",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Value:   "all",
				Usage:   "Scenario to run: A, B, C, D, E or all",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "Time limit per scenario",
			},
		},

		Action: scenarioAction,
	}
}

func scenarioAction(c *cli.Context) error {
	name := strings.ToUpper(c.String("name"))
	names := []string{name}
	if name == "ALL" {
		names = scenarioNames()
	}
	for _, n := range names {
		if _, ok := scenarios[n]; !ok {
			return cli.Exit(fmt.Sprintf("unknown scenario %q (want one of %s or all)", n, strings.Join(scenarioNames(), ", ")), 2)
		}
	}

	cfg, err := engineConfig(c)
	if err != nil {
		return err
	}
	engine := core.NewEngine(cfg)
	defer engine.Shutdown()

	failed := 0
	for _, n := range names {
		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		rep := runScenario(ctx, engine, n)
		cancel()

		status := "✓"
		if !rep.OK {
			status = "✗"
			failed++
		}
		fmt.Fprintf(c.App.Writer, "%s scenario %s: %s\n", status, rep.Name, rep.Title)
		fmt.Fprintf(c.App.Writer, "    order: %s\n", strings.Join(rep.Order, " "))
		for _, note := range rep.Notes {
			fmt.Fprintf(c.App.Writer, "    %s\n", note)
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d scenario(s) failed", failed), 1)
	}
	return nil
}

// scenarioReport is the outcome of one scenario run.
type scenarioReport struct {
	Name  string
	Title string
	Order []string
	Notes []string
	OK    bool
}

func (r *scenarioReport) fail(format string, args ...any) {
	r.OK = false
	r.Notes = append(r.Notes, "FAIL: "+fmt.Sprintf(format, args...))
}

type scenarioFunc func(ctx context.Context, e *core.Engine, rep *scenarioReport)

var scenarios = map[string]struct {
	title string
	run   scenarioFunc
}{
	"A": {"serial queue runs A, B, C in order without overlap", scenarioA},
	"B": {"barrier waits for four plain items and holds back the trailing one", scenarioB},
	"C": {"SubmitAndWait behind a long item returns after it", scenarioC},
	"D": {"suspend, submit more, resume keeps the original order", scenarioD},
	"E": {"retarget while suspended sends work only to the new target", scenarioE},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func runScenario(ctx context.Context, e *core.Engine, name string) scenarioReport {
	s := scenarios[name]
	rep := scenarioReport{Name: name, Title: s.title, OK: true}
	s.run(ctx, e, &rep)
	return rep
}

// eventLog records events from concurrently running items.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func indexOf(events []string, ev string) int {
	return slices.Index(events, ev)
}

func waitIdle(ctx context.Context, q *core.Queue, rep *scenarioReport) bool {
	if err := q.WaitIdle(ctx); err != nil {
		rep.fail("queue %s did not go idle: %v", q.Label(), err)
		return false
	}
	return true
}

func scenarioA(ctx context.Context, e *core.Engine, rep *scenarioReport) {
	q := e.NewQueue("scenario.a")
	defer q.Release()
	log := &eventLog{}
	var running, overlaps atomic.Int32

	for _, name := range []string{"A", "B", "C"} {
		q.Submit(func(ctx context.Context) {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			log.add(name)
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		})
	}
	if !waitIdle(ctx, q, rep) {
		return
	}

	rep.Order = log.snapshot()
	if !slices.Equal(rep.Order, []string{"A", "B", "C"}) {
		rep.fail("want order A B C")
	}
	if n := overlaps.Load(); n > 0 {
		rep.fail("%d overlapping executions", n)
	}
}

func scenarioB(ctx context.Context, e *core.Engine, rep *scenarioReport) {
	q := e.NewQueue("scenario.b", core.Concurrent(4))
	defer q.Release()
	log := &eventLog{}

	for i := range 4 {
		q.Submit(func(ctx context.Context) {
			log.add(fmt.Sprintf("p%d+", i))
			time.Sleep(time.Duration(5*(i+1)) * time.Millisecond)
			log.add(fmt.Sprintf("p%d-", i))
		})
	}
	q.SubmitBarrier(func(ctx context.Context) {
		log.add("barrier+")
		time.Sleep(5 * time.Millisecond)
		log.add("barrier-")
	})
	q.Submit(func(ctx context.Context) {
		log.add("tail+")
		log.add("tail-")
	})
	if !waitIdle(ctx, q, rep) {
		return
	}

	rep.Order = log.snapshot()
	barrierStart := indexOf(rep.Order, "barrier+")
	for i := range 4 {
		if end := indexOf(rep.Order, fmt.Sprintf("p%d-", i)); end > barrierStart {
			rep.fail("barrier started before p%d finished", i)
		}
	}
	if indexOf(rep.Order, "tail+") < indexOf(rep.Order, "barrier-") {
		rep.fail("trailing item started before the barrier finished")
	}
}

func scenarioC(ctx context.Context, e *core.Engine, rep *scenarioReport) {
	q := e.NewQueue("scenario.c")
	defer q.Release()
	log := &eventLog{}
	started := make(chan struct{})
	release := make(chan struct{})

	q.Submit(func(ctx context.Context) {
		log.add("long+")
		close(started)
		<-release
		log.add("long-")
	})
	select {
	case <-started:
	case <-ctx.Done():
		rep.fail("long item did not start")
		return
	}

	returned := make(chan error, 1)
	go func() {
		returned <- q.SubmitAndWaitContext(ctx, func(ctx context.Context) { log.add("sync") })
	}()

	// the waiter must stay blocked while the long item runs
	select {
	case <-returned:
		rep.fail("SubmitAndWait returned while the long item was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-returned:
		if err != nil {
			rep.fail("SubmitAndWait: %v", err)
		}
	case <-ctx.Done():
		rep.fail("SubmitAndWait did not return")
		return
	}
	log.add("returned")

	rep.Order = log.snapshot()
	if !slices.Equal(rep.Order, []string{"long+", "long-", "sync", "returned"}) {
		rep.fail("want order long+ long- sync returned")
	}
}

func scenarioD(ctx context.Context, e *core.Engine, rep *scenarioReport) {
	q := e.NewQueue("scenario.d")
	defer q.Release()
	log := &eventLog{}
	item := func(name string) core.Task {
		return func(ctx context.Context) { log.add(name) }
	}

	q.Suspend()
	q.Submit(item("1"))
	q.Submit(item("2"))
	q.Submit(item("3"))
	q.Suspend()
	q.Submit(item("4"))
	q.SubmitBarrier(item("5"))
	time.Sleep(10 * time.Millisecond)
	if ran := len(log.snapshot()); ran != 0 {
		rep.fail("%d item(s) ran while suspended", ran)
	}
	rep.Notes = append(rep.Notes, fmt.Sprintf("pending while suspended: %d", q.Stats().Pending))

	q.Resume()
	time.Sleep(5 * time.Millisecond)
	if ran := len(log.snapshot()); ran != 0 {
		rep.fail("%d item(s) ran with one suspension outstanding", ran)
	}
	q.Resume()
	if !waitIdle(ctx, q, rep) {
		return
	}

	rep.Order = log.snapshot()
	if !slices.Equal(rep.Order, []string{"1", "2", "3", "4", "5"}) {
		rep.fail("want order 1 2 3 4 5")
	}
}

type targetKey struct{}

func scenarioE(ctx context.Context, e *core.Engine, rep *scenarioReport) {
	oldTarget := e.NewQueue("scenario.e.old", core.Concurrent(4))
	newTarget := e.NewQueue("scenario.e.new", core.Concurrent(4))
	oldTarget.SetSpecific(targetKey{}, "old")
	newTarget.SetSpecific(targetKey{}, "new")
	defer oldTarget.Release()
	defer newTarget.Release()

	q := e.NewQueue("scenario.e", core.Concurrent(2), core.WithTarget(oldTarget))
	defer q.Release()
	log := &eventLog{}

	q.Suspend()
	q.SetTarget(newTarget)
	for i := range 6 {
		q.Submit(func(ctx context.Context) {
			v, _ := core.GetSpecific(ctx, targetKey{})
			log.add(fmt.Sprintf("%d@%v", i, v))
		})
	}
	q.Resume()
	if !waitIdle(ctx, q, rep) {
		return
	}

	rep.Order = log.snapshot()
	for _, ev := range rep.Order {
		if !strings.HasSuffix(ev, "@new") {
			rep.fail("item %s did not run under the new target", ev)
		}
	}
	if len(rep.Order) != 6 {
		rep.fail("ran %d of 6 items", len(rep.Order))
	}
	rep.Notes = append(rep.Notes,
		fmt.Sprintf("old target: %d dependents; new target: %d dependents",
			oldTarget.Stats().Targeted, newTarget.Stats().Targeted))
}
