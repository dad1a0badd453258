package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/uvm/log"
	"github.com/colorfulnotion/uvm/types"
	"github.com/colorfulnotion/uvm/vm"
	"github.com/colorfulnotion/uvm/vm/parallel"
	"github.com/colorfulnotion/uvm/vm/performance"
	"github.com/colorfulnotion/uvm/vm/security"
	"github.com/colorfulnotion/uvm/vm/trace"
)

var (
	Version = "dev"
	Commit  = "none"
)

type runFlags struct {
	cores      int
	memory     uint64
	stackBytes uint64
	policy     string
	quantum    uint32
	threads    int
	seed       int64
	maxCycles  uint64

	semaphores []string
	barriers   []string

	race      bool
	coherence bool
	protect   string

	traceOut string
	archive  string
	runID    string
	serve    string
	charts   string

	logLevel string
	debug    string
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "uvm",
		Short: "Unified virtual machine emulator",
		Long: "uvm runs programs for a tick-driven virtual machine with pluggable\n" +
			"parallel-execution and security extensions.",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var rf runFlags

	runCmd := &cobra.Command{
		Use:   "run <program.json>",
		Short: "Run a program to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgram(args[0], &rf, nil)
		},
	}
	addRunFlags(runCmd, &rf)

	debugCmd := &cobra.Command{
		Use:   "debug <program.json>",
		Short: "Run a program under the interactive debugger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgram(args[0], &rf, debugREPL)
		},
	}
	addRunFlags(debugCmd, &rf)

	var attackSeed int64
	var attackName string
	attacksCmd := &cobra.Command{
		Use:   "attacks",
		Short: "Run the attack scenario catalog with and without protections",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(rf.logLevel)
			log.EnableModules(rf.debug)
			as := security.NewAttackSimulator(attackSeed)
			var results []security.AttackResult
			if attackName != "" {
				for _, protected := range []bool{false, true} {
					r, err := as.Run(attackName, protected)
					if err != nil {
						return err
					}
					results = append(results, r)
				}
			} else {
				var err error
				if results, err = as.RunAll(); err != nil {
					return err
				}
			}
			for _, r := range results {
				fmt.Println(r.String())
			}
			return nil
		},
	}
	attacksCmd.Flags().Int64Var(&attackSeed, "seed", 1, "Run seed")
	attacksCmd.Flags().StringVar(&attackName, "scenario", "", "Run a single scenario by name")
	attacksCmd.Flags().StringVar(&rf.logLevel, "log-level", "warn", "Log level")
	attacksCmd.Flags().StringVar(&rf.debug, "debug", "", "Log modules to enable")

	compareCmd := &cobra.Command{
		Use:   "compare <a.jsonl> <b.jsonl>",
		Short: "Compare two execution traces",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := readTraceFile(args[0])
			if err != nil {
				return err
			}
			b, err := readTraceFile(args[1])
			if err != nil {
				return err
			}
			same, diff := trace.Compare(a, b)
			if same {
				fmt.Printf("traces match (%d events)\n", len(a))
				return nil
			}
			fmt.Println(diff)
			os.Exit(1)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("uvm %s (%s)\n", Version, Commit)
		},
	}

	rootCmd.AddCommand(runCmd, debugCmd, attacksCmd, compareCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command, rf *runFlags) {
	cmd.Flags().IntVar(&rf.cores, "cores", 1, "Number of simulated cores")
	cmd.Flags().Uint64Var(&rf.memory, "memory", 1<<20, "Backing memory size in bytes")
	cmd.Flags().Uint64Var(&rf.stackBytes, "stack-bytes", 4096, "Stack bytes carved per thread")
	cmd.Flags().StringVar(&rf.policy, "policy", "round-robin", "Scheduling policy (round-robin, priority, shortest-remaining, fifo)")
	cmd.Flags().Uint32Var(&rf.quantum, "quantum", 8, "Scheduler quantum in ticks (0 disables preemption)")
	cmd.Flags().IntVar(&rf.threads, "threads", 1, "Threads to create at the program entry")
	cmd.Flags().Int64Var(&rf.seed, "seed", 1, "Run seed (drives scheduling tie-breaks and ASLR)")
	cmd.Flags().Uint64Var(&rf.maxCycles, "max-cycles", 1_000_000, "Cycle budget (0 = unlimited)")
	cmd.Flags().StringArrayVar(&rf.semaphores, "semaphore", nil, "Create a semaphore, id=initial (repeatable)")
	cmd.Flags().StringArrayVar(&rf.barriers, "barrier", nil, "Create a barrier, id=parties (repeatable)")
	cmd.Flags().BoolVar(&rf.race, "race", false, "Enable the data race detector")
	cmd.Flags().BoolVar(&rf.coherence, "coherence", false, "Enable the MESI cache coherence model")
	cmd.Flags().StringVar(&rf.protect, "protect", "", "Security protections: all, or a list of dep,aslr,canary")
	cmd.Flags().StringVar(&rf.traceOut, "trace-out", "", "Write the execution trace as JSONL")
	cmd.Flags().StringVar(&rf.archive, "archive", "", "Persist the trace to this archive directory")
	cmd.Flags().StringVar(&rf.runID, "run-id", "run", "Run id used as the archive key")
	cmd.Flags().StringVar(&rf.serve, "serve", "", "Stream trace events over websocket at this address")
	cmd.Flags().StringVar(&rf.charts, "charts", "", "Write a performance report HTML to this path")
	cmd.Flags().StringVar(&rf.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&rf.debug, "debug", "", "Log modules to enable (comma list or 'all')")
}

// buildMachine assembles the machine per flags. Returned sources feed
// the performance collector.
func buildMachine(prog *types.Program, rf *runFlags) (*vm.VM, []performance.CounterSource, error) {
	var sched vm.Scheduler
	if rf.policy != "" && rf.policy != "fifo" {
		var err error
		if sched, err = parallel.NewScheduler(rf.policy, rf.quantum); err != nil {
			return nil, nil, err
		}
	}
	m := vm.NewVM(vm.Config{
		NumCores:    rf.cores,
		MemoryBytes: rf.memory,
		StackBytes:  rf.stackBytes,
		Scheduler:   sched,
	})

	var sources []performance.CounterSource

	manager := parallel.NewSyncManager()
	if err := createSyncObjects(manager, rf); err != nil {
		return nil, nil, err
	}
	sources = append(sources, manager)

	if rf.protect != "" {
		cfg, err := parseProtect(rf.protect)
		if err != nil {
			return nil, nil, err
		}
		if _, err := security.Install(m, cfg); err != nil {
			return nil, nil, err
		}
	}
	if err := m.RegisterExtension(manager); err != nil {
		return nil, nil, err
	}
	if rf.race {
		if err := m.RegisterExtension(parallel.NewRaceDetector(manager)); err != nil {
			return nil, nil, err
		}
	}
	if rf.coherence {
		cc := parallel.NewCoherenceController(rf.cores)
		if err := m.RegisterExtension(cc); err != nil {
			return nil, nil, err
		}
		sources = append(sources, cc)
	}

	if err := m.LoadProgram(prog); err != nil {
		return nil, nil, err
	}
	for i := 0; i < rf.threads; i++ {
		if _, err := m.CreateThread(prog.Entry, 0); err != nil {
			return nil, nil, err
		}
	}
	return m, sources, nil
}

func runProgram(path string, rf *runFlags, repl func(m *vm.VM, rf *runFlags) error) error {
	log.InitLogger(rf.logLevel)
	log.EnableModules(rf.debug)

	prog, err := types.ReadProgram(path)
	if err != nil {
		return err
	}
	m, sources, err := buildMachine(prog, rf)
	if err != nil {
		return err
	}

	if rf.traceOut != "" {
		w, err := trace.NewJSONLWriterFile(rf.traceOut)
		if err != nil {
			return err
		}
		defer w.Close()
		m.Trace().AddSink(w)
	}
	if rf.serve != "" {
		streamer := trace.NewStreamer()
		defer streamer.Close()
		m.Trace().AddSink(streamer)
		go func() {
			fmt.Printf("streaming trace on ws://%s/\n", rf.serve)
			if err := http.ListenAndServe(rf.serve, streamer); err != nil {
				log.Error(log.TraceMonitoring, "trace streamer stopped", "err", err)
			}
		}()
	}

	if repl != nil {
		if err := repl(m, rf); err != nil {
			return err
		}
	} else {
		if err := m.Run(vm.RunOptions{MaxCycles: rf.maxCycles, Seed: rf.seed}); err != nil {
			fmt.Printf("machine faulted: %v\n", err)
		}
	}

	printSummary(m, sources, rf)

	if rf.archive != "" {
		a, err := trace.OpenArchive(rf.archive)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.SaveRun(rf.runID, m.Trace().Events()); err != nil {
			return err
		}
		fmt.Printf("trace archived as %q (%d events)\n", rf.runID, m.Trace().Len())
	}
	if rf.charts != "" {
		st := performance.Collect(m, sources...)
		if err := performance.RenderHTML(m, st, rf.charts); err != nil {
			return err
		}
		fmt.Printf("performance report: %s\n", rf.charts)
	}
	return nil
}

func printSummary(m *vm.VM, sources []performance.CounterSource, rf *runFlags) {
	st := performance.Collect(m, sources...)
	fmt.Printf("state=%s cycles=%d instructions=%d switches=%d utilization=%.3f\n",
		m.State(), st.Cycles, st.Instructions, st.ContextSwitches, st.Utilization)
	for _, t := range st.Threads {
		fmt.Printf("  thread %d (%s): executed=%d switches=%d wait=%d stall=%d\n",
			t.ID, t.Name, t.Executed, t.Switches, t.WaitTicks, t.StallTicks)
	}
	if outs := m.Outputs(); len(outs) > 0 {
		fmt.Printf("outputs: %v\n", outs)
	}
	if rf.race {
		rep := m.RaceReport()
		fmt.Printf("race detector: %d findings over %d accesses\n", len(rep.Findings), rep.Checked)
		for _, f := range rep.Findings {
			fmt.Printf("  %s\n", f.Detail)
		}
	}
	if rf.protect != "" {
		rep := m.SecurityReport()
		fmt.Printf("security findings: %d\n", len(rep.Findings))
		for _, f := range rep.Findings {
			fmt.Printf("  [%s] %s\n", f.Kind, f.Detail)
		}
	}
}

func createSyncObjects(manager *parallel.SyncManager, rf *runFlags) error {
	for _, spec := range rf.semaphores {
		id, val, err := parsePair(spec)
		if err != nil {
			return fmt.Errorf("bad --semaphore %q: %w", spec, err)
		}
		manager.CreateSemaphore(id, int64(val))
	}
	for _, spec := range rf.barriers {
		id, val, err := parsePair(spec)
		if err != nil {
			return fmt.Errorf("bad --barrier %q: %w", spec, err)
		}
		manager.CreateBarrier(id, int(val))
	}
	return nil
}

func parsePair(spec string) (uint64, uint64, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want id=value")
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	val, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return id, val, nil
}

func parseProtect(s string) (security.ProtectConfig, error) {
	if s == "all" {
		return security.AllProtections(), nil
	}
	var cfg security.ProtectConfig
	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(tok) {
		case "dep":
			cfg.DEP = true
		case "aslr":
			cfg.ASLR = true
		case "canary":
			cfg.Canary = true
		case "":
		default:
			return cfg, fmt.Errorf("unknown protection %q", tok)
		}
	}
	return cfg, nil
}

func readTraceFile(path string) ([]trace.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return trace.ReadJSONL(f)
}
