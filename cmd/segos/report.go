package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/evanphx/segos/kernel"
)

func report(w io.Writer, k *kernel.Kernel, tasks []*kernel.Task) {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)

	bold.Fprintf(w, "\n[processors]\n")

	tw := tabwriter.NewWriter(w, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "cpu\tticks\tswitches\tpreempt\tidle\tsteps\tstate\n")

	for _, cpu := range k.Machine.CPUs {
		st := cpu.Sched.Stats()

		state := green.Sprint("online")
		if cpu.Halted() {
			state = red.Sprint("halted")
		}

		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			st.CPU, st.Ticks, st.Switches, st.Preemptions, st.IdleTicks, cpu.Steps(), state)
	}

	tw.Flush()

	fmt.Fprintf(w, "timer periods %d, dropped %d\n", k.Machine.Periods(), k.Machine.Dropped())

	bold.Fprintf(w, "\n[tasks]\n")

	tw = tabwriter.NewWriter(w, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "id\tname\tcpu\tticks\texit\n")

	for _, t := range tasks {
		code := t.ExitCode()

		exit := green.Sprintf("%04x", code)
		if code != 0 {
			exit = red.Sprintf("%04x", code)
		}

		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", t.ID, t.Name, t.CPU(), t.Ticks(), exit)
	}

	tw.Flush()
}
