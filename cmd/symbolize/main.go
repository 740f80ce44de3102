package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/module/symbolize/elf"
	"github.com/module/symbolize/symbolize"
)

func splitArg(args string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)

	first := parts[0]
	remaining := ""
	if len(parts) > 1 {
		remaining = parts[1]
	}

	return first, remaining
}

type command interface {
	run(string) error
}

type namedCommand struct {
	name        string
	description string
	command
}

type subCommands []namedCommand

func (cmds subCommands) run(args string) error {
	name, remaining := splitArg(args)

	if name == "" || strings.HasPrefix("help", name) {
		cmds.printAvailableCommands()
		return nil
	}

	for _, cmd := range cmds {
		if strings.HasPrefix(cmd.name, name) {
			return cmd.run(remaining)
		}
	}

	fmt.Println("Invalid subcommand:", args)
	return nil
}

func (cmds subCommands) printAvailableCommands() {
	fmt.Println("Available subcommands:")
	for _, cmd := range cmds {
		fmt.Println("  " + cmd.name + cmd.description)
	}
}

// session holds the one binary currently loaded into the REPL, plus the
// debug-symbol toggle that picks which symbolize.Cache variant answers
// lookups.
type session struct {
	cache     *symbolize.Cache
	path      string
	debugSyms bool
}

func (s *session) resolver() (symbolize.Symbolize, error) {
	if s.path == "" {
		return nil, fmt.Errorf("no binary loaded; use 'load <path>' first")
	}
	return s.cache.Symbolize(s.path, s.debugSyms)
}

func parseAddr(arg string) (elf.FileAddress, error) {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "0x")
	value, err := strconv.ParseUint(arg, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", arg, err)
	}
	return elf.FileAddress(value), nil
}

func load(s *session, args string) error {
	path := strings.TrimSpace(args)
	if path == "" {
		fmt.Println("Invalid argument(s). Expected <path>")
		return nil
	}

	s.path = path
	fmt.Printf("loaded %s (debug symbols %v)\n", path, s.debugSyms)
	return nil
}

func toggleDebugSyms(s *session, args string) error {
	s.debugSyms = !s.debugSyms
	fmt.Printf("debug symbols: %v\n", s.debugSyms)
	return nil
}

func symbolizeAddr(s *session, args string) error {
	addr, err := parseAddr(args)
	if err != nil {
		fmt.Println(err)
		return nil
	}

	resolver, err := s.resolver()
	if err != nil {
		fmt.Println(err)
		return nil
	}

	sym, reason, err := resolver.FindSym(addr, symbolize.FindSymOpts{CodeInfo: true, InlinedFns: true})
	if err != nil {
		fmt.Println(err)
		return nil
	}

	if sym == nil {
		fmt.Printf("0x%x: %s\n", addr, reason)
		return nil
	}

	fmt.Printf("0x%x: %s+0x%x", addr, sym.Name, uint64(addr)-uint64(sym.Addr))
	if sym.CodeInfo != nil {
		fmt.Printf(" at %s:%d", sym.CodeInfo.File, sym.CodeInfo.Line)
	}
	fmt.Println()

	for _, inlined := range sym.Inlined {
		fmt.Printf("  inlined: %s", inlined.Name)
		if inlined.CodeInfo != nil {
			fmt.Printf(" at %s:%d", inlined.CodeInfo.File, inlined.CodeInfo.Line)
		}
		fmt.Println()
	}

	return nil
}

func lookupName(s *session, args string) error {
	name := strings.TrimSpace(args)
	if name == "" {
		fmt.Println("Invalid argument(s). Expected <name>")
		return nil
	}

	resolver, err := s.resolver()
	if err != nil {
		fmt.Println(err)
		return nil
	}

	syms, err := resolver.FindAddr(name, symbolize.FindAddrOpts{})
	if err != nil {
		fmt.Println(err)
		return nil
	}

	if len(syms) == 0 {
		fmt.Println("not found:", name)
		return nil
	}

	for _, sym := range syms {
		fmt.Printf("0x%x size=0x%x type=%d\n", sym.Addr, sym.Size, sym.SymType)
	}

	return nil
}

func initializeCommands(s *session) command {
	return subCommands{
		{
			name:        "load",
			description: " <path>       - load a binary",
			command:     cmdFunc(func(args string) error { return load(s, args) }),
		},
		{
			name:        "debug",
			description: "              - toggle debug symbol use",
			command:     cmdFunc(func(args string) error { return toggleDebugSyms(s, args) }),
		},
		{
			name:        "symbolize",
			description: " <addr>  - resolve a virtual address",
			command:     cmdFunc(func(args string) error { return symbolizeAddr(s, args) }),
		},
		{
			name:        "lookup",
			description: " <name>     - find a named symbol's address(es)",
			command:     cmdFunc(func(args string) error { return lookupName(s, args) }),
		},
	}
}

type cmdFunc func(string) error

func (f cmdFunc) run(args string) error {
	return f(args)
}

func main() {
	flag.Parse()

	s := &session{cache: symbolize.NewCache()}
	if flag.NArg() == 1 {
		s.path = flag.Arg(0)
	}

	topCmds := initializeCommands(s)

	rl, err := readline.New("symbolize > ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				break
			}
			panic(err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		err = topCmds.run(line)
		if err != nil {
			panic(err)
		}
	}
}
