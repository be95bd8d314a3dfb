package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/evanphx/segos/config"
	"github.com/evanphx/segos/fs/host"
	"github.com/evanphx/segos/fs/tarfs"
	"github.com/evanphx/segos/kernel"
	clog "github.com/evanphx/segos/log"
	"github.com/evanphx/segos/syscalls"
)

var (
	fConfig  = pflag.StringP("config", "c", "", "machine configuration (yaml)")
	fRoot    = pflag.StringP("root", "r", "", "host directory to mount as C:")
	fImage   = pflag.StringP("image", "i", "", "tar archive to mount as A:")
	fCPUs    = pflag.IntP("cpus", "n", 0, "number of processors")
	fQuantum = pflag.Uint64("quantum", 0, "timer ticks per scheduling quantum")
	fHz      = pflag.Int("hz", 0, "timer frequency")
	fTimeout = pflag.Duration("timeout", 30*time.Second, "give up waiting for tasks after this long")
	fDump    = pflag.Bool("dump", false, "dump each task's memory chain as it exits")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()

	if *fConfig != "" {
		var err error

		cfg, err = config.Load(*fConfig)
		if err != nil {
			return nil, err
		}
	}

	flags := pflag.CommandLine

	if flags.Changed("root") {
		cfg.Root = *fRoot
	}

	if flags.Changed("image") {
		cfg.Image = *fImage
	}

	if flags.Changed("cpus") {
		cfg.CPUs = *fCPUs
	}

	if flags.Changed("quantum") {
		cfg.QuantumTicks = *fQuantum
	}

	if flags.Changed("hz") {
		cfg.TimerHz = *fHz
	}

	return cfg, cfg.Validate()
}

func mount(k *kernel.Kernel, cfg *config.Config) error {
	if cfg.Root != "" {
		hfs, err := host.NewHostFS(cfg.Root)
		if err != nil {
			return err
		}

		err = k.Drives.Register('C', hfs)
		if err != nil {
			return err
		}
	}

	if cfg.Image != "" {
		f, err := os.Open(cfg.Image)
		if err != nil {
			return err
		}

		defer f.Close()

		tfs, err := tarfs.NewTarFS(f)
		if err != nil {
			return errors.Wrapf(err, "reading image %s", cfg.Image)
		}

		err = k.Drives.Register('A', tfs)
		if err != nil {
			return err
		}
	}

	return nil
}

func script(calls []config.Call) *syscalls.Script {
	s := &syscalls.Script{Invoker: &syscalls.Invoker{L: clog.Named("dos")}}

	for _, c := range calls {
		s.Calls = append(s.Calls, syscalls.Call{
			Regs:   c.Registers(),
			Data:   c.Payload(),
			Native: c.IsNative(),
		})
	}

	return s
}

func spawnTasks(ctx context.Context, k *kernel.Kernel, cfg *config.Config, files []string) ([]*kernel.Task, error) {
	var tasks []*kernel.Task

	for _, t := range cfg.Tasks {
		opts := kernel.SpawnOptions{
			Name:    t.Name,
			Program: script(t.Calls),
			Tail:    t.Tail,
			CPU:     t.Processor(),
		}

		if t.Image != "" {
			img, err := k.Loader.LoadDrive(ctx, k.Drives, t.Image)
			if err != nil {
				return nil, errors.Wrapf(err, "task %s", t.Name)
			}

			opts.Image = img
		}

		task, err := k.Spawn(opts)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s", t.Name)
		}

		tasks = append(tasks, task)
	}

	for _, path := range files {
		img, err := k.Loader.LoadFile(path)
		if err != nil {
			return nil, err
		}

		task, err := k.Spawn(kernel.SpawnOptions{
			Name:    strings.ToUpper(filepath.Base(path)),
			Image:   img,
			Program: script(nil),
			CPU:     -1,
		})
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	opts := cfg.KernelOptions()
	opts.Console = &kernel.Console{In: os.Stdin, Out: os.Stdout}

	k, err := kernel.NewKernel(ctx, opts)
	if err != nil {
		log.Fatal(err)
	}

	err = mount(k, cfg)
	if err != nil {
		log.Fatal(err)
	}

	tasks, err := spawnTasks(ctx, k, cfg, pflag.Args())
	if err != nil {
		log.Fatal(err)
	}

	clog.L.Info("machine booted", "cpus", cfg.CPUs, "tasks", len(tasks), "hz", cfg.TimerHz)

	waitCtx, cancel := context.WithTimeout(ctx, *fTimeout)
	defer cancel()

	runCtx, stop := context.WithCancel(waitCtx)

	done := make(chan error, 1)
	go func() {
		done <- k.Run(runCtx, cfg.TimerHz)
	}()

	var exited []*kernel.Task

	err = k.Wait(waitCtx, func(t *kernel.Task) {
		exited = append(exited, t)

		if *fDump {
			clog.L.Debug("task memory", "task", t.ID, "chain", t.Space.Chain.Dump())
		}
	})

	stop()

	runErr := <-done

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	report(os.Stdout, k, exited)

	if err != nil {
		log.Fatal(errors.Wrapf(err, "waiting for tasks"))
	}

	if runErr != nil && errors.Cause(runErr) != context.Canceled {
		log.Fatal(runErr)
	}
}
