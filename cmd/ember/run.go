// Copyright 2025 The Ember Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"emberos.dev/ember/pkg/arch"
	"emberos.dev/ember/pkg/arch/x86"
	"emberos.dev/ember/pkg/capsules/alarm"
	"emberos.dev/ember/pkg/capsules/lldebug"
	"emberos.dev/ember/pkg/kernel"
	"emberos.dev/ember/pkg/kernel/sched"
	"emberos.dev/ember/pkg/loader"
	"emberos.dev/ember/pkg/log"
	"emberos.dev/ember/pkg/platform"
	"emberos.dev/ember/pkg/usermem"
	"github.com/google/subcommands"
	"github.com/mattn/go-tty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Demo board guest memory layout.
const (
	flashBase = 0x00040000
	ramBase   = 0x20000000
	ramSize   = 256 << 10

	alarmLine = 0
)

// errQuit unwinds the errgroup on a clean, user-requested shutdown.
var errQuit = errors.New("quit requested")

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	policy    string
	timeslice time.Duration
	fault     string
	blinks    int
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "run the kernel with the emulated demo board"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags] - run the kernel with the emulated demo board
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.policy, "scheduler", "rr", "scheduling policy: rr or coop")
	f.DurationVar(&r.timeslice, "timeslice", sched.DefaultTimeslice, "round-robin timeslice")
	f.StringVar(&r.fault, "fault-policy", "restart", "process fault policy: panic, stop, or restart")
	f.IntVar(&r.blinks, "blinks", 5, "alarm iterations the blink app runs before exiting")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if err := r.run(ctx); err != nil && !errors.Is(err, errQuit) {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (r *runCmd) run(ctx context.Context) error {
	chip := platform.NewEmulatedChip()
	cpu := platform.NewHostedCPU(chip)
	boundary := x86.NewSyscallBoundary(cpu)
	table := kernel.NewProcessTable(4)

	var policy kernel.FaultPolicy
	switch r.fault {
	case "panic":
		policy = kernel.PanicFaultPolicy{}
	case "stop":
		policy = kernel.StopFaultPolicy{}
	case "restart":
		policy = kernel.RestartFaultPolicy{MaxRestarts: 8}
	default:
		return fmt.Errorf("unknown fault policy %q", r.fault)
	}

	var scheduler kernel.Scheduler
	switch r.policy {
	case "rr":
		scheduler = sched.NewRoundRobin(table, r.timeslice)
	case "coop":
		scheduler = sched.NewCooperative(table)
	default:
		return fmt.Errorf("unknown scheduler %q", r.policy)
	}

	drivers := kernel.NewDriverRegistry()
	drivers.Register(alarm.DriverNum, alarm.New(chip, table, alarmLine))
	drivers.Register(lldebug.DriverNum, lldebug.New(os.Stdout))

	flash := buildDemoFlash(cpu, r.blinks)
	l := &loader.Loader{
		Boundary: boundary,
		NewState: func() arch.ProcessState { return &x86.StoredState{} },
		Table:    table,
		RAMBase:  ramBase,
		RAMSize:  ramSize,
	}
	procs, err := l.LoadProcesses(flash)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		return errors.New("no processes loaded")
	}

	k := kernel.New(table, kernel.Options{
		Chip:        chip,
		Scheduler:   scheduler,
		Drivers:     drivers,
		FaultPolicy: policy,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		k.Loop(ctx)
		return nil
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			log.Infof("caught %v, shutting down", s)
			return errQuit
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return console(ctx, k)
	})
	return g.Wait()
}

// console reads single keystrokes: q quits, d dumps process state. When no
// terminal is attached, the kernel just runs headless.
func console(ctx context.Context, k *kernel.Kernel) error {
	t, err := tty.Open()
	if err != nil {
		log.Infof("no terminal, running headless: %v", err)
		<-ctx.Done()
		return nil
	}
	defer t.Close()

	keys := make(chan rune)
	go func() {
		defer close(keys)
		for {
			r, err := t.ReadRune()
			if err != nil {
				return
			}
			select {
			case keys <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case r, ok := <-keys:
			if !ok {
				return nil
			}
			switch r {
			case 'q':
				return errQuit
			case 'd':
				k.PrintState(os.Stdout)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// buildDemoFlash assembles a flash image holding the two demo apps and
// registers their code with the hosted CPU.
//
// blink subscribes to the alarm and prints the tick count each time its
// upcall fires; counter is compute bound, printing its result and exiting.
func buildDemoFlash(cpu *platform.HostedCPU, blinks int) *usermem.Memory {
	var image []byte

	// appendApp encodes one app header plus a code region of codeSize
	// bytes and hands the guest addresses to register so the caller can
	// attach programs at them.
	appendApp := func(name string, minRAM, codeSize uint32, register func(appBase, initPC uint32)) {
		appBase := uint32(flashBase) + uint32(len(image))
		h := &loader.TBFHeader{
			Flags:          loader.FlagEnabled,
			MinimumRAMSize: minRAM,
			PackageName:    name,
		}
		// Encode once to learn the header length, then fix up the
		// offsets and encode again.
		hdrLen := uint32(len(loader.EncodeTBFHeader(h)))
		h.InitOffset = hdrLen
		h.TotalSize = hdrLen + codeSize
		image = append(image, loader.EncodeTBFHeader(h)...)
		image = append(image, make([]byte, codeSize)...)
		register(appBase, appBase+hdrLen)
	}

	appendApp("blink", 4096, 64, func(appBase, initPC uint32) {
		upcallPC := initPC + 16
		cpu.RegisterProgram(upcallPC, func(c *platform.UserContext) {
			args := c.Args()
			c.Command(lldebug.DriverNum, lldebug.CmdPrintOne, args[0], 0)
		})
		cpu.RegisterProgram(initPC, func(c *platform.UserContext) {
			c.Subscribe(alarm.DriverNum, 0, upcallPC, 0)
			for i := 0; i < blinks; i++ {
				c.Command(alarm.DriverNum, alarm.CmdSetRelative, 20000, 0)
				c.YieldWait()
			}
			c.Exit(0)
		})
	})

	appendApp("counter", 2048, 64, func(appBase, initPC uint32) {
		cpu.RegisterProgram(initPC, func(c *platform.UserContext) {
			var sum uint32
			for i := uint32(1); i <= 1<<16; i++ {
				sum += i * i
				if i%4096 == 0 {
					c.Checkpoint()
				}
			}
			c.Command(lldebug.DriverNum, lldebug.CmdPrintTwo, sum, 1<<16)
			c.Exit(0)
		})
	})

	return usermem.NewFlash(flashBase, image)
}
