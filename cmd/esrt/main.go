// esrt CLI - runs a synthetic allocation workload against the runtime core
// and reports collector, class tree and property cache statistics.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/esrt/config"
	"github.com/chazu/esrt/heap"
	"github.com/chazu/esrt/vm"
	"github.com/chazu/esrt/vm/clone"
)

func main() {
	configPath := flag.String("config", "", "Path to esrt.toml (default: search upward from the working directory)")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")
	objects := flag.Int("objects", 20000, "Loop iterations of the allocation workload")
	shapes := flag.Int("shapes", 4, "Distinct property orders per iteration")
	ring := flag.Int("ring", 256, "Iterations whose objects stay live")
	depth := flag.Int("depth", 200, "Recursion depth of the stack exercise")
	pseudo := flag.Bool("pseudo", false, "Run the workload inside a pseudo-thread")
	persist := flag.Bool("persist", false, "Store a clone of one surviving object")
	dbPath := flag.String("db", "", "Clone store path (default: $ESRT_CLONE_DB or ~/.esrt/clones.db)")
	list := flag.Bool("list", false, "List stored clones and exit")
	load := flag.String("load", "", "Load the clone with this id, print it and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: esrt [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an allocation and class-churn workload and prints runtime statistics.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  esrt -objects 100000 -shapes 8   # Heavier churn, megamorphic sites\n")
		fmt.Fprintf(os.Stderr, "  esrt -pseudo -v 2                # Pseudo-thread with info logging\n")
		fmt.Fprintf(os.Stderr, "  esrt -persist                    # Keep a clone in the store\n")
		fmt.Fprintf(os.Stderr, "  esrt -load <id>                  # Restore it in a new session\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	v := cfg.Log.Verbosity
	if *verbosity >= 0 {
		v = *verbosity
	}
	commonlog.Configure(v, nil)

	rt, err := vm.NewRuntimeWithConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	if *list || *load != "" {
		store, err := openStore(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *list {
			err = listClones(os.Stdout, store)
		} else {
			err = loadClone(os.Stdout, rt, store, *load)
		}
		store.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	w := Workload{Objects: *objects, Shapes: max(*shapes, 1), Ring: *ring, Depth: *depth}
	if err := run(os.Stdout, rt, w, *pseudo); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *persist {
		store, err := openStore(*dbPath)
		if err == nil {
			err = persistSample(os.Stdout, rt, store)
			store.Close()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// loadConfig reads path, or the nearest esrt.toml, or the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

func openStore(path string) (*clone.Store, error) {
	if path == "" {
		p, err := clone.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return clone.Open(path)
}

// run installs and executes w, then prints statistics. The surviving ring
// is left in the global "ring" for persistSample.
func run(out io.Writer, rt *vm.Runtime, w Workload, pseudo bool) error {
	prog, err := Install(rt, w)
	if err != nil {
		return err
	}
	ctx := rt.Context()

	start := time.Now()
	var result vm.Value
	var thread *vm.PseudoThread
	body := func(ctx *vm.ExecutionContext) error {
		var err error
		result, err = prog.Run(ctx, w.Depth)
		return err
	}
	if pseudo {
		thread = vm.NewPseudoThread()
		err = thread.Run(ctx, body)
	} else {
		err = body(ctx)
	}
	elapsed := time.Since(start)
	if err != nil {
		rt.ReportUncaught(err)
		return fmt.Errorf("workload failed: %w", err)
	}
	if err := rt.Global().Put(ctx, "ring", result); err != nil {
		return err
	}

	rt.Heap().Collect(heap.ReasonExplicit)
	if err := rt.Heap().Verify(); err != nil {
		return fmt.Errorf("heap verification failed: %w", err)
	}

	fmt.Fprintf(out, "Runtime %s\n", rt.ID())
	fmt.Fprintf(out, "  workload:     %d iterations x %d shapes in %s\n", w.Objects, w.Shapes, elapsed.Round(time.Microsecond))
	fmt.Fprintf(out, "  survivors:    %d objects in ring\n", result.Object().Length())
	if thread != nil {
		fmt.Fprintf(out, "  suspensions:  %d\n", thread.Suspensions())
	}
	printHeap(out, rt.Heap())
	printClasses(out, rt.Classes().Stats())
	printCaches(out, prog.CacheStats())
	return nil
}

func printHeap(out io.Writer, h *heap.Heap) {
	a := h.Allocator()
	s := h.LastStats()
	fmt.Fprintf(out, "Heap %s\n", h.ID())
	fmt.Fprintf(out, "  collections:  %d (last: %s, marked %d, swept %d, %s)\n",
		h.Collections(), s.Reason, s.Marked, s.Swept, (s.MarkDuration + s.SweepDuration).Round(time.Microsecond))
	fmt.Fprintf(out, "  objects:      %d live, %d bytes\n", h.Objects(), h.BytesLive())
	fmt.Fprintf(out, "  pages:        %d of %d bytes\n", h.Pages(), a.PageSize())
	fmt.Fprintf(out, "  chunks:       %d (%d created, %d destroyed, %d large pages)\n",
		a.Chunks(), a.ChunksCreated(), a.ChunksDestroyed(), a.LargePages())
}

func printClasses(out io.Writer, s vm.ClassStats) {
	fmt.Fprintf(out, "Classes\n")
	fmt.Fprintf(out, "  nodes:        %d (%d roots, %d compact, %d hash)\n", s.Nodes, s.Roots, s.Compacts, s.Hashes)
	fmt.Fprintf(out, "  extensions:   %d shared, %d branched\n", s.SharedExtensions, s.Branches)
	fmt.Fprintf(out, "  invalidated:  %d\n", s.Invalidations)
}

func printCaches(out io.Writer, s vm.CacheStats) {
	rate := 0.0
	if total := s.Hits + s.Misses; total > 0 {
		rate = 100 * float64(s.Hits) / float64(total)
	}
	fmt.Fprintf(out, "Property caches\n")
	fmt.Fprintf(out, "  sites:        %d (%d mono, %d poly, %d mega, %d empty)\n",
		s.Sites, s.Monomorphic, s.Polymorphic, s.Megamorphic, s.Empty)
	fmt.Fprintf(out, "  hit rate:     %.1f%% (%d hits, %d misses)\n", rate, s.Hits, s.Misses)
}

// persistSample stores ring[0] from the last run.
func persistSample(out io.Writer, rt *vm.Runtime, store *clone.Store) error {
	ctx := rt.Context()
	ring, err := rt.Global().Get(ctx, "ring")
	if err != nil {
		return err
	}
	if !ring.IsObject() || ring.Object().Length() == 0 {
		return fmt.Errorf("no surviving object to persist")
	}
	id, err := store.Put(ctx, ring.Object().GetIndex(0))
	if err != nil {
		return fmt.Errorf("persisting sample: %w", err)
	}
	fmt.Fprintf(out, "Stored clone %s in %s\n", id, store.Path())
	return nil
}

func listClones(out io.Writer, store *clone.Store) error {
	ids, err := store.IDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func loadClone(out io.Writer, rt *vm.Runtime, store *clone.Store, id string) error {
	ctx := rt.Context()
	v, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading clone %s: %w", id, err)
	}
	fmt.Fprintf(out, "%s\n", describe(ctx, v))
	return nil
}

// describe renders a cloned value one level deep.
func describe(ctx *vm.ExecutionContext, v vm.Value) string {
	if !v.IsObject() {
		s, err := ctx.ToString(v)
		if err != nil {
			return v.Type().String()
		}
		return s.Go()
	}
	o := v.Object()
	var parts []string
	for _, k := range o.EnumerableKeys() {
		pv, _ := o.GetOwn(k)
		s := pv.Type().String()
		if !pv.IsObject() {
			if str, err := ctx.ToString(pv); err == nil {
				s = str.Go()
			}
		}
		parts = append(parts, k+": "+s)
	}
	return fmt.Sprintf("%s {%s}", o.Kind(), strings.Join(parts, ", "))
}
