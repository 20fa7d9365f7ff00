// Command blockc compiles a microcode block listing, runs it and optionally
// checks the compiled unit against the interpreter.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"pcemu/pkg/archive"
	"pcemu/pkg/compiler"
	"pcemu/pkg/engine"
	"pcemu/pkg/interp"
	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
)

func main() {
	blockPath := flag.String("block", "", "Path to a YAML block listing")
	disasm := flag.Bool("disasm", false, "Print the compiled unit")
	compare := flag.Bool("compare", false, "Also interpret the block and report differences")
	archivePath := flag.String("archive", "", "Archive directory; units found there are reused and new ones are added")
	listArchive := flag.Bool("list", false, "List the archive contents and exit")
	maxSlots := flag.Int("max-slots", compiler.DefaultMaxSlotUnits, "Slot units available to one block")

	flag.Parse()

	var arch *archive.Archive
	if *archivePath != "" {
		var err error
		arch, err = archive.Open(*archivePath)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer arch.Close()
	}

	if *listArchive {
		if arch == nil {
			log.Fatal("Error: --list needs --archive")
		}
		entries, err := arch.Entries()
		if err != nil {
			log.Fatalf("Failed to list archive: %v", err)
		}
		for _, e := range entries {
			fmt.Printf("%-40s %6d bytes  session %s\n", e.Name, e.Size, e.Session)
		}
		return
	}

	if *blockPath == "" {
		log.Fatal("Error: --block flag is required")
	}
	listing, err := readListing(*blockPath)
	if err != nil {
		log.Fatalf("Failed to read listing: %v", err)
	}
	pm, err := listing.ProcessorMode()
	if err != nil {
		log.Fatalf("Invalid mode: %v", err)
	}
	src, err := listing.Source()
	if err != nil {
		log.Fatalf("Invalid listing: %v", err)
	}
	stream, err := microcode.Materialize(src)
	if err != nil {
		log.Fatalf("Invalid block: %v", err)
	}

	eng := engine.New(engine.WithCompilerOptions(compiler.WithMaxSlotUnits(*maxSlots)))
	log.Printf("Execution mode %s", eng.Mode())
	if arch != nil {
		n, err := arch.Restore(eng.Loader())
		if err != nil {
			log.Printf("Restore from archive stopped: %v", err)
		}
		log.Printf("Restored %d units from %s", n, *archivePath)
		eng.Compiler().BeginArchiving(arch)
	}

	mode := compiler.ForMode(pm)
	name := compiler.DefaultName(mode, compiler.Key(stream.Microcodes))
	if eng.Mode() == engine.ModeCompiled {
		if _, err := eng.Compiler().CompileStream(mode, stream, ""); err != nil {
			log.Printf("Compile failed, block will be interpreted: %v", err)
		} else {
			log.Printf("Compiled %s", name)
		}
	}
	if *disasm {
		if u, ok := eng.Loader().Unit(name); ok {
			if err := u.Module().Disassemble(os.Stdout); err != nil {
				log.Fatalf("Failed to disassemble: %v", err)
			}
		} else {
			log.Printf("No unit to disassemble")
		}
	}

	s, mem, ports, faults, err := listing.Machine()
	if err != nil {
		log.Fatalf("Invalid machine: %v", err)
	}
	n, runErr := eng.RunStream(pm, stream, s)
	got := snapshot(s, ports, faults, n, runErr)
	printState(got)

	if *compare {
		ref, refMem, refPorts, refFaults, err := listing.Machine()
		if err != nil {
			log.Fatalf("Invalid machine: %v", err)
		}
		rn, rerr := interp.New(nil).RunStream(pm, stream, ref)
		want := snapshot(ref, refPorts, refFaults, rn, rerr)
		diff := cmp.Diff(want, got, cmpopts.EquateEmpty())
		if !bytes.Equal(mem.Bytes(), refMem.Bytes()) {
			diff += "memory differs\n"
		}
		if diff != "" {
			log.Fatalf("Compiled run differs from the interpreter (-interpreted +run):\n%s", diff)
		}
		log.Printf("Compiled and interpreted runs agree")
	}

	st := eng.Stats()
	log.Printf("Stats: compiled runs %d, interpreted runs %d, units %d, cache hits %d, code bytes %d",
		st.Compiled, st.Interpreted, st.Compiler.UnitsCompiled, st.Compiler.CacheHits, st.Compiler.CodeBytes)
}

// result is the observable outcome of one run.
type result struct {
	Completed int
	Err       string
	GPR       [8]uint32
	EIP       uint32
	EFLAGS    uint32
	Retired   uint64
	Writes    []processor.PortWrite
	Faults    []processor.DeliveredFault
}

func snapshot(s *processor.State, ports *processor.PortLatch, faults *processor.FaultQueue, n int, err error) result {
	r := result{
		Completed: n,
		GPR:       s.GPR,
		EIP:       s.EIP,
		EFLAGS:    s.EFLAGS(),
		Retired:   s.Retired,
		Writes:    ports.Writes,
		Faults:    faults.Delivered,
	}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

func printState(r result) {
	fmt.Printf("completed %d instructions\n", r.Completed)
	if r.Err != "" {
		fmt.Printf("error: %s\n", r.Err)
	}
	for i, v := range r.GPR {
		fmt.Printf("%s=%08x ", processor.Element(i), v)
		if i == 3 {
			fmt.Println()
		}
	}
	fmt.Printf("\nEIP=%08x EFLAGS=%08x\n", r.EIP, r.EFLAGS)
	for _, w := range r.Writes {
		fmt.Printf("out port %#04x size %d value %#x\n", w.Port, w.Size, w.Value)
	}
	for _, f := range r.Faults {
		fmt.Printf("fault %v in %s mode at EIP %08x\n", f.Fault, f.Mode, f.EIP)
	}
}
