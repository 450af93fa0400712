package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/aristath/runbook/internal/sandbox"
)

func TestSinkDropsWritesAfterClose(t *testing.T) {
	reg := newTestRegistry(t, task("A", 1, func(*sandbox.TaskContext) error { return nil }))
	r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t)})
	state := r.rt.Tasks[0]
	sink := &taskSink{r: r, name: "A", state: state}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				sink.Output(sandbox.OutputLine{Level: sandbox.LevelInfo, Text: "tick", Time: time.Now()})
				sink.Progress(n%100, "working")
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	sink.close()

	r.mu.Lock()
	lines, progress := len(state.Output), state.Progress
	r.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(state.Output) != lines {
		t.Errorf("output grew after close: %d -> %d lines", lines, len(state.Output))
	}
	if state.Progress != progress {
		t.Errorf("progress changed after close: %d -> %d", progress, state.Progress)
	}
}

func TestSinkClosedBeforeWrite(t *testing.T) {
	reg := newTestRegistry(t, task("A", 1, func(*sandbox.TaskContext) error { return nil }))
	r := newTestRunner(t, Config{}, reg, Deps{Checkpoints: newTestStore(t)})
	state := r.rt.Tasks[0]
	sink := &taskSink{r: r, name: "A", state: state}

	sink.close()
	sink.Output(sandbox.OutputLine{Level: sandbox.LevelInfo, Text: "late"})
	sink.Progress(50, "late")

	if len(state.Output) != 0 || state.Progress != 0 {
		t.Errorf("closed sink recorded output=%v progress=%d", state.Output, state.Progress)
	}
}
