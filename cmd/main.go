package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"

	"github.com/kilnworks/kiln"
	"github.com/kilnworks/kiln/vdev"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("devices"),
	readline.PcItem("kernels"),
	readline.PcItem("compile"),
	readline.PcItem("launch"),
	readline.PcItem("resolve"),
	readline.PcItem("cells"),
	readline.PcItem("drop"),
	readline.PcItem("stats"),
	readline.PcItem("restart"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// Builtin sample kernels; enough to exercise macro substitution, multiple
// entry points and per-target images.
var kernels = map[string]string{
	"saxpy": `
.target ${arch}
.entry saxpy {
    mad.f32 %f1, %f2, %f3, %f4;
}`,
	"reduce": `
.target ${arch}
.entry reduce_sum {
    add.f32 %f1, %f1, %f2;
}
.entry reduce_max {
    max.f32 %f1, %f1, %f2;
}`,
	"copy": `
.target ${arch}
.entry copy_lin {
    mov.b32 %r1, %r2;
}`,
}

type shell struct {
	ctx      *kiln.Context
	storeDir string
}

func (s *shell) open() error {
	ctx, err := kiln.NewContext(kiln.Options{StorePath: s.storeDir})
	if err != nil {
		return err
	}
	if _, err = vdev.New(ctx, "gfx900", "fp16"); err != nil {
		ctx.Release()
		return err
	}
	if _, err = vdev.New(ctx, "gfx1030"); err != nil {
		ctx.Release()
		return err
	}
	s.ctx = ctx
	return nil
}

func (s *shell) device(arg string) (kiln.Accelerator, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad device id %q", arg)
	}
	return s.ctx.AcceleratorByID(kiln.AcceleratorID(id))
}

func (s *shell) moduleFor(dev kiln.Accelerator, kernel string) (kiln.Module, error) {
	src, ok := kernels[kernel]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q (see: kernels)", kernel)
	}
	desc := &kiln.KernelDesc{Name: entryOf(kernel), Source: []byte(src), Options: []string{"-O2"}}
	md := kiln.CellOf(kernel).Resolve(s.ctx)
	defer md.Release()
	return md.Compile(dev, desc, false)
}

// entryOf maps a sample kernel to its primary entry point.
func entryOf(kernel string) string {
	switch kernel {
	case "reduce":
		return "reduce_sum"
	case "copy":
		return "copy_lin"
	default:
		return kernel
	}
}

func (s *shell) cmdDevices() {
	for _, dev := range s.ctx.Accelerators(nil) {
		line := fmt.Sprintf("#%d\t%s", uint64(dev.ID()), dev.Target())
		if cg := dev.Codegen(); cg != nil {
			if avg, n := cg.AvgCompileMicros(); n > 0 {
				line += fmt.Sprintf("\tcompiles=%d avg=%.0fus", n, avg)
			}
		}
		fmt.Println(line)
	}
}

func (s *shell) cmdCompile(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: compile <device-id> <kernel>")
	}
	dev, err := s.device(args[0])
	if err != nil {
		return err
	}
	mod, err := s.moduleFor(dev, args[1])
	if err != nil {
		return err
	}
	if vmod, ok := mod.(*vdev.Module); ok {
		fmt.Printf("%s: module for %s, entries [%s]\n",
			args[1], dev.Target(), strings.Join(vmod.Entries(), " "))
	}
	return nil
}

func (s *shell) cmdLaunch(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: launch <device-id> <kernel> [entry]")
	}
	dev, err := s.device(args[0])
	if err != nil {
		return err
	}
	mod, err := s.moduleFor(dev, args[1])
	if err != nil {
		return err
	}
	vmod, ok := mod.(*vdev.Module)
	if !ok {
		return fmt.Errorf("module is not launchable")
	}
	entry := entryOf(args[1])
	if len(args) == 3 {
		entry = args[2]
	}
	if err := vmod.Launch(entry); err != nil {
		return err
	}
	fmt.Printf("%s: %d dispatches\n", entry, vmod.Launches(entry))
	return nil
}

func (s *shell) cmdResolve(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: resolve <kernel>")
	}
	kernel := args[0]
	if _, ok := kernels[kernel]; !ok {
		return fmt.Errorf("unknown kernel %q (see: kernels)", kernel)
	}
	cell := kiln.CellOf(kernel)
	was := "fresh"
	if md := cell.TryUpgrade(s.ctx); md != nil {
		was = "cached"
		md.Release()
	} else if cell.IsSet() {
		was = "stale, replaced"
	}
	md := cell.Resolve(s.ctx)
	md.Release()
	fmt.Printf("%s: resolved (%s)\n", kernel, was)
	return nil
}

func (s *shell) cmdCells() {
	kiln.Cells(func(name string, cell *kiln.ModuleCell) bool {
		state := "empty"
		if cell.IsSet() {
			if md := cell.TryUpgrade(s.ctx); md != nil {
				state = "live"
				md.Release()
			} else {
				state = "stale"
			}
		}
		fmt.Printf("%s\t%s\n", name, state)
		return true
	})
}

func (s *shell) cmdStats() {
	fmt.Printf("context %s, %d devices\n", s.ctx.Label(), len(s.ctx.Accelerators(nil)))
	if st := s.ctx.Store(); st != nil {
		if n, err := st.Count(); err == nil {
			fmt.Printf("store %s: %d artifacts\n", st.Dir(), n)
		}
	} else {
		fmt.Println("store: disabled")
	}
}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/kiln-repl.tmp",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	sh := shell{}
	if len(os.Args) > 1 {
		sh.storeDir = os.Args[1]
	}
	if err := sh.open(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "help":
			fmt.Println("devices | kernels | compile <dev> <kernel> | launch <dev> <kernel> [entry]")
			fmt.Println("resolve <kernel> | cells | drop <kernel> | stats | restart | exit")
		case "devices":
			sh.cmdDevices()
		case "kernels":
			for name := range kernels {
				fmt.Println(name)
			}
		case "compile":
			err = sh.cmdCompile(args)
		case "launch":
			err = sh.cmdLaunch(args)
		case "resolve":
			err = sh.cmdResolve(args)
		case "cells":
			sh.cmdCells()
		case "drop":
			for _, name := range args {
				kiln.CellOf(name).Release()
			}
		case "stats":
			sh.cmdStats()
		case "restart":
			// Tear the context down and build a new one. Populated cells
			// go stale and get replaced on the next compile.
			sh.ctx.Release()
			if err = sh.open(); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				os.Exit(-1)
			}
			fmt.Printf("new context %s\n", sh.ctx.Label())
		case "exit", "quit":
			sh.ctx.Release()
			os.Exit(0)
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
