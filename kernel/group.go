package kernel

import (
	"context"
	"sync"

	"github.com/evanphx/segos/log"
	"github.com/evanphx/segos/pkg/ilist"
	"github.com/evanphx/segos/pkg/waiter"
)

type groupNode struct {
	ilist.Entry
	task *Task
}

// TaskGroup collects tasks that share a parent so the parent, or the
// kernel for top level tasks, can reap them as they end.
type TaskGroup struct {
	mu sync.RWMutex

	taskCount int
	tasks     ilist.List

	events waiter.Waiter
}

func NewTaskGroup() *TaskGroup {
	return &TaskGroup{}
}

const (
	_ waiter.EventType = iota
	TaskExited
)

func (tg *TaskGroup) Add(t *Task) {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	t.group = tg
	t.node = &groupNode{task: t}

	tg.taskCount++
	tg.tasks.PushBack(t.node)
}

func (tg *TaskGroup) Remove(t *Task) {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	if t.node == nil {
		return
	}

	tg.taskCount--
	tg.tasks.Remove(t.node)
	t.node = nil
}

func (tg *TaskGroup) Len() int {
	tg.mu.RLock()
	defer tg.mu.RUnlock()

	return tg.taskCount
}

// Live counts the members that have not terminated.
func (tg *TaskGroup) Live() int {
	tg.mu.RLock()
	defer tg.mu.RUnlock()

	var n int
	for it := tg.tasks.Front(); it != nil; it = it.Next() {
		if it.(*groupNode).task.State() != Terminated {
			n++
		}
	}

	return n
}

// ReapAny removes and returns a terminated member, waiting for one when
// block is set.
func (tg *TaskGroup) ReapAny(ctx context.Context, block bool) (*Task, error) {
	if !block {
		return tg.reapOnce(), nil
	}

	c := make(chan struct{}, 1)
	ev := tg.events.RegisterChannel(TaskExited, c)
	defer tg.events.Unregister(ev)

	for {
		if t := tg.reapOnce(); t != nil {
			return t, nil
		}

		log.L.Trace("task-waiting-reap")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c:
			// ok, try the loop again
		}
	}
}

func (tg *TaskGroup) reapOnce() *Task {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	log.L.Trace("task-reap-once", "count", tg.taskCount)

	for it := tg.tasks.Front(); it != nil; it = it.Next() {
		n := it.(*groupNode)

		if n.task.State() == Terminated {
			tg.taskCount--
			tg.tasks.Remove(n)
			n.task.node = nil
			return n.task
		}
	}

	return nil
}

// Wait blocks until the group has no members left or ctx ends, reaping
// each one and passing it to f.
func (tg *TaskGroup) Wait(ctx context.Context, f func(*Task)) error {
	for tg.Len() > 0 {
		t, err := tg.ReapAny(ctx, true)
		if err != nil {
			return err
		}

		if f != nil {
			f(t)
		}
	}

	return nil
}

func (tg *TaskGroup) taskExited(t *Task) {
	tg.mu.Lock()
	defer tg.mu.Unlock()

	log.L.Trace("task-exited", "task", t.ID)
	tg.events.Notify(TaskExited)
}
