package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/vm"
)

const debugHelp = `commands:
  step [n]       execute n ticks (default 1)
  run            run until breakpoint, completion, or fault
  break <idx>    set a breakpoint at an instruction index
  del <idx>      remove a breakpoint
  threads        list thread contexts
  regs <tid>     dump a thread's register file
  mem <addr> [n] hex dump n bytes (default 64)
  trace [n]      show the last n trace events (default 10)
  quit           exit the debugger`

// debugREPL drives the machine interactively with Step/Run and
// breakpoints.
func debugREPL(m *vm.VM, rf *runFlags) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "uvm> ",
		HistoryFile: "/tmp/uvm_debug_history",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	opts := vm.RunOptions{MaxCycles: rf.maxCycles, Seed: rf.seed}
	fmt.Println(debugHelp)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "step", "s":
			n := 1
			if len(args) > 0 {
				n, _ = strconv.Atoi(args[0])
			}
			for i := 0; i < n && !done(m); i++ {
				if err := m.Step(opts); err != nil {
					fmt.Printf("fault: %v\n", err)
					break
				}
			}
			fmt.Printf("cycle=%d state=%s\n", m.Cycle(), m.State())

		case "run", "c", "continue":
			if err := m.Run(opts); err != nil {
				fmt.Printf("fault: %v\n", err)
			}
			fmt.Printf("cycle=%d state=%s\n", m.Cycle(), m.State())

		case "break", "b":
			if len(args) != 1 {
				fmt.Println("usage: break <idx>")
				continue
			}
			idx, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				fmt.Println(err)
				continue
			}
			m.AddBreakpoint(idx)
			fmt.Printf("breakpoint at instruction %d\n", idx)

		case "del":
			if len(args) != 1 {
				fmt.Println("usage: del <idx>")
				continue
			}
			idx, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				fmt.Println(err)
				continue
			}
			m.ClearBreakpoint(idx)

		case "threads", "t":
			for _, t := range m.Threads() {
				fmt.Printf("  %s blockedOn=%d executed=%d\n", t, t.BlockedOn, t.Executed)
			}

		case "regs", "r":
			if len(args) != 1 {
				fmt.Println("usage: regs <tid>")
				continue
			}
			tid, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				fmt.Println(err)
				continue
			}
			t, ok := m.Thread(uint32(tid))
			if !ok {
				fmt.Printf("no thread %d\n", tid)
				continue
			}
			for i := 0; i < types.NumRegs; i++ {
				fmt.Printf("  r%-2d = %#016x", i, t.Regs[i])
				if (i+1)%2 == 0 {
					fmt.Println()
				}
			}
			fmt.Printf("  pc  = %#016x priv=%s\n", t.PC, t.Priv)

		case "mem", "m":
			if len(args) < 1 {
				fmt.Println("usage: mem <addr> [n]")
				continue
			}
			addr, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 64)
			if err != nil {
				fmt.Println(err)
				continue
			}
			n := uint64(64)
			if len(args) > 1 {
				n, _ = strconv.ParseUint(args[1], 10, 32)
			}
			raw, err := m.Memory().ReadRaw(addr, uint32(n))
			if err != nil {
				fmt.Println(err)
				continue
			}
			hexDump(addr, raw)

		case "trace":
			n := 10
			if len(args) > 0 {
				n, _ = strconv.Atoi(args[0])
			}
			events := m.Trace().Events()
			if len(events) > n {
				events = events[len(events)-n:]
			}
			for _, ev := range events {
				fmt.Printf("  #%d c=%d t=%d %s %s %s\n", ev.Seq, ev.Cycle, ev.ThreadID, ev.Kind, ev.Opcode, ev.Detail)
			}

		case "help", "h", "?":
			fmt.Println(debugHelp)

		case "quit", "q", "exit":
			return nil

		default:
			fmt.Printf("unknown command %q (try help)\n", cmd)
		}
	}
}

func done(m *vm.VM) bool {
	s := m.State()
	return s == types.MachineFinished || s == types.MachineFaulted
}

func hexDump(base uint64, raw []byte) {
	for off := 0; off < len(raw); off += 16 {
		end := off + 16
		if end > len(raw) {
			end = len(raw)
		}
		var sb strings.Builder
		for i := off; i < end; i++ {
			fmt.Fprintf(&sb, "%02x ", raw[i])
		}
		fmt.Printf("  %#08x  %s\n", base+uint64(off), sb.String())
	}
}
