package service

import (
	"context"
	"sync"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/metrics"
)

// Lane names used for logging and queue-depth gauges.
const (
	LaneGeneral = "general"
	LaneSerial  = "serial"
	LaneBlob    = "blob"
)

type laneTask struct {
	fn   func()
	done chan struct{}
}

// Lane is a bounded worker pool that executes posted closures. A single-worker
// lane executes tasks in posting order, which is what the serialization lane
// relies on for hierarchy invariants.
type Lane struct {
	name    string
	tasks   chan laneTask
	wg      sync.WaitGroup
	metrics metrics.RPCMetrics
}

func newLane(name string, workers, buffer int, m metrics.RPCMetrics) *Lane {
	l := &Lane{
		name:    name,
		tasks:   make(chan laneTask, buffer),
		metrics: m,
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

func (l *Lane) worker() {
	defer l.wg.Done()
	for task := range l.tasks {
		task.fn()
		close(task.done)
		l.gauge()
	}
}

// Run posts fn to the lane and waits for it to finish, or for ctx to be
// cancelled. On cancellation the task may still execute later; fn must watch
// its own context for early exit.
func (l *Lane) Run(ctx context.Context, fn func()) error {
	task := laneTask{fn: fn, done: make(chan struct{})}
	select {
	case l.tasks <- task:
		l.gauge()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunErr posts a closure that returns an error and propagates it, preferring
// a context error when the wait is cut short.
func (l *Lane) RunErr(ctx context.Context, fn func() error) error {
	var err error
	if runErr := l.Run(ctx, func() { err = fn() }); runErr != nil {
		return runErr
	}
	return err
}

func (l *Lane) gauge() {
	if l.metrics != nil {
		l.metrics.SetLaneDepth(l.name, len(l.tasks))
	}
}

func (l *Lane) close() {
	close(l.tasks)
	l.wg.Wait()
}

// Lanes bundles the three execution lanes of the service: a general database
// pool for reads, a single serialization worker for ordered writes, and a
// single blob worker hosting all Shock traffic and the upload reconciler.
type Lanes struct {
	General *Lane
	Serial  *Lane
	Blob    *Lane
}

// laneBuffer bounds how many calls may queue per lane before posting blocks.
const laneBuffer = 256

// NewLanes creates the lanes. generalWorkers sizes the general pool; the
// serialization and blob lanes always run a single worker.
func NewLanes(generalWorkers int, m metrics.RPCMetrics) *Lanes {
	if generalWorkers < 1 {
		generalWorkers = 1
	}
	return &Lanes{
		General: newLane(LaneGeneral, generalWorkers, laneBuffer, m),
		Serial:  newLane(LaneSerial, 1, laneBuffer, m),
		Blob:    newLane(LaneBlob, 1, laneBuffer, m),
	}
}

// Close drains and stops all lanes. Posted work completes; new posts panic.
func (l *Lanes) Close() {
	l.General.close()
	l.Serial.close()
	l.Blob.close()
	logger.Debug("execution lanes stopped")
}
