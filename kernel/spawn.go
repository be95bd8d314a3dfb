package kernel

import (
	"github.com/pkg/errors"

	"github.com/evanphx/segos/loader"
	"github.com/evanphx/segos/memory"
)

// stubImage is placed for tasks spawned without an image: INT 20h.
var stubImage = &loader.Image{Name: "STUB.COM", Body: []byte{0xcd, 0x20}}

type SpawnOptions struct {
	Name    string
	Program Program
	Image   *loader.Image
	Tail    string

	// CPU selects the processor; negative picks the least loaded one.
	CPU int

	// Parent starts the task inside the parent's machine. Its PSP links
	// back to the parent's and terminates to the parent's current CS:IP.
	// The child runs on the parent's processor, since both work the same
	// MCB chain.
	Parent *Task

	Paragraphs uint16
}

func (k *Kernel) pickCPU(want int) (*CPU, error) {
	if want >= 0 {
		return k.Machine.CPU(want)
	}

	best := k.Machine.CPUs[0]
	for _, cpu := range k.Machine.CPUs[1:] {
		if cpu.Halted() {
			continue
		}

		if cpu.Sched.Len() < best.Sched.Len() {
			best = cpu
		}
	}

	return best, nil
}

// Spawn creates a task, places its image and queues it on a processor.
func (k *Kernel) Spawn(opts SpawnOptions) (*Task, error) {
	want := opts.CPU

	if p := opts.Parent; p != nil {
		if want >= 0 && want != p.CPU() {
			return nil, errors.Wrapf(ErrSharedSpace, "parent %s runs on cpu%d, not cpu%d", p.ID, p.CPU(), want)
		}

		want = p.CPU()
	}

	cpu, err := k.pickCPU(want)
	if err != nil {
		return nil, err
	}

	t := &Task{
		Kernel:  k,
		Name:    opts.Name,
		Program: opts.Program,
		parent:  opts.Parent,
	}

	_, err = k.Tasks.AssignID(t)
	if err != nil {
		return nil, err
	}

	place := loader.PlaceOptions{
		Tail:       opts.Tail,
		Paragraphs: opts.Paragraphs,
	}

	group := k.root

	if p := opts.Parent; p != nil {
		t.Space = p.Space
		place.Parent = p.PSP
		place.TerminateVector = memory.Seg(uint16(p.Regs.CS), uint16(p.Regs.EIP))
		group = p.Children()
	} else {
		t.Space, err = memory.NewSpace(k.Opts.ConventionalTop)
		if err != nil {
			k.Tasks.Remove(t)
			return nil, err
		}

		err = installDefaultVectors(t.Space)
		if err != nil {
			k.Tasks.Remove(t)
			return nil, err
		}
	}

	img := opts.Image
	if img == nil {
		img = stubImage
	}

	pl, err := loader.Place(t.Space, t.Owner(), img, place)
	if err != nil {
		k.Tasks.Remove(t)
		return nil, err
	}

	t.PSP = pl.PSP.Segment
	t.Regs = pl.Regs

	if t.Name == "" {
		t.Name = img.Name
	}

	for i := uint8(0); i < 5; i++ {
		err = k.SFT.Dup(i)
		if err != nil {
			k.L.Warn("standard handle missing", "sft", i, "error", err)
		}
	}

	group.Add(t)

	err = cpu.Sched.Enqueue(t)
	if err != nil {
		return nil, err
	}

	k.L.Debug("spawned task", "task", t.ID, "name", t.Name, "cpu", cpu.ID, "psp", pl.PSP.Segment)

	return t, nil
}
