package aio

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/segos/abi"
	"github.com/evanphx/segos/log"
)

var (
	ErrTableFull = errors.New("async operation table full")
	ErrInvalidOp = errors.New("invalid async operation id")
	ErrPending   = errors.New("async operation still pending")
)

// Waker moves a task blocked on an operation back to Ready.
type Waker interface {
	Wake(task abi.TaskID, id OpID)
}

type WakerFunc func(task abi.TaskID, id OpID)

func (f WakerFunc) Wake(task abi.TaskID, id OpID) {
	f(task, id)
}

// Registry is the operation table of a single provider. It is shared by
// every processor, so all access goes through mu.
type Registry struct {
	Name string
	L    hclog.Logger

	mu       sync.Mutex
	capacity int
	next     OpID
	ops      map[OpID]*Op
	waker    Waker
}

func NewRegistry(name string, capacity int, w Waker) *Registry {
	if capacity <= 0 {
		capacity = 64
	}

	return &Registry{
		Name:     name,
		L:        log.Named("aio." + name),
		capacity: capacity,
		next:     1,
		ops:      make(map[OpID]*Op),
		waker:    w,
	}
}

func (r *Registry) SetWaker(w Waker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.waker = w
}

// AddOp records op and assigns it an id that no live entry is using.
func (r *Registry) AddOp(index uint32, op Op) (OpID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ops) >= r.capacity {
		return 0, errors.Wrapf(ErrTableFull, "%s: %d entries", r.Name, len(r.ops))
	}

	id := r.nextID()

	op.ID = id
	op.Index = index
	op.Status = Pending
	op.Result = 0

	r.ops[id] = &op

	r.L.Trace("op-add", "id", id, "kind", op.Kind, "task", op.Requester, "index", index)

	return id, nil
}

func (r *Registry) nextID() OpID {
	for {
		id := r.next

		r.next++
		if r.next == 0 {
			r.next = 1
		}

		if _, used := r.ops[id]; !used {
			return id
		}
	}
}

// Complete attaches result to id and wakes the requester. It may be called
// from any goroutine. Completing a cancelled operation discards it.
func (r *Registry) Complete(id OpID, result Result) error {
	r.mu.Lock()

	op, ok := r.ops[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrInvalidOp, "%s: complete %d", r.Name, id)
	}

	switch op.Status {
	case Cancelled:
		delete(r.ops, id)
		r.mu.Unlock()

		r.L.Debug("late completion for cancelled op", "id", id, "task", op.Requester)
		return nil
	case Complete:
		r.mu.Unlock()
		return errors.Wrapf(ErrInvalidOp, "%s: %d already complete", r.Name, id)
	}

	op.Status = Complete
	op.Result = result

	task := op.Requester
	w := r.waker

	r.mu.Unlock()

	r.L.Trace("op-complete", "id", id, "task", task, "result", result)

	if w != nil {
		w.Wake(task, id)
	}

	return nil
}

// Take consumes the result of a completed operation. The entry is gone
// afterwards, so a second Take fails.
func (r *Registry) Take(id OpID) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok || op.Status == Cancelled {
		return 0, errors.Wrapf(ErrInvalidOp, "%s: take %d", r.Name, id)
	}

	if op.Status == Pending {
		return 0, errors.Wrapf(ErrPending, "%s: take %d", r.Name, id)
	}

	delete(r.ops, id)

	return op.Result, nil
}

// Done reports whether id has a result waiting.
func (r *Registry) Done(id OpID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]

	return ok && op.Status == Complete
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id OpID) (Op, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok {
		return Op{}, false
	}

	return *op, true
}

// CancelTask marks every pending operation of task cancelled and drops
// results it will never take. It returns how many pending entries were
// cancelled.
func (r *Registry) CancelTask(task abi.TaskID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for id, op := range r.ops {
		if op.Requester != task {
			continue
		}

		switch op.Status {
		case Pending:
			op.Status = Cancelled
			op.Buf = nil
			n++
		case Complete:
			delete(r.ops, id)
		}
	}

	if n > 0 {
		r.L.Debug("cancelled ops", "task", task, "count", n)
	}

	return n
}

// Reclaim frees the entry of a cancelled operation that no driver will
// ever complete. It reports whether an entry was removed.
func (r *Registry) Reclaim(id OpID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[id]
	if !ok || op.Status != Cancelled {
		return false
	}

	delete(r.ops, id)

	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.ops)
}
