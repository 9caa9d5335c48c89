// Package script compiles conversation scripts into executable programs.
//
// A script is plain text made of command lines and free-text blocks.
// A command line begins with the '%' sigil; its first token names the
// command and further %name% tokens open subclauses. The free-text
// block following a command line becomes that instruction's reply. A
// leading free-text block with no preceding command compiles to the
// bare greeting instruction, legal only at index 0.
//
// Compilation is a pure function: identical script text always
// compiles to an identical Program, and Compile performs no I/O.
package script

import (
	"strings"
	"time"
)

// Command names the action an instruction performs.
type Command string

const (
	// CommandGreeting is the implicit bare instruction produced by a
	// leading free-text block. Legal only at index 0.
	CommandGreeting Command = ""

	// CommandWaitFor blocks until an inbound message matches.
	CommandWaitFor Command = "wait-for"

	// CommandWait blocks for a wall-clock interval.
	CommandWait Command = "wait"

	// CommandNotify sends a notification to a configured recipient.
	CommandNotify Command = "notify"
)

// Blocking reports whether the command suspends the drain loop.
func (c Command) Blocking() bool {
	return c == CommandWaitFor || c == CommandWait
}

// Subclause names.
const (
	ClauseMatch     = "match"
	ClauseOtherwise = "otherwise"
	ClauseAttach    = "attach"
)

// Wait units and their second multipliers.
var waitUnits = map[string]time.Duration{
	"sec": time.Second,
	"min": time.Minute,
	"h":   time.Hour,
	"d":   24 * time.Hour,
}

// Instruction is one compiled step of a script. Instructions are
// immutable once compiled.
type Instruction struct {
	// Command is the instruction's action.
	Command Command

	// Args are the positional arguments from the command line.
	Args []string

	// Clauses maps subclause names to their token sequences.
	Clauses map[string][]string

	// Reply is the free-text block following the command line, sent
	// verbatim into the conversation when the instruction completes.
	Reply string
}

// Clause returns the named subclause's tokens and whether it appeared.
func (in Instruction) Clause(name string) ([]string, bool) {
	tokens, ok := in.Clauses[name]
	return tokens, ok
}

// OtherwiseText returns the %otherwise% clause joined into a single
// reply line, or "" if the clause is absent or empty.
func (in Instruction) OtherwiseText() string {
	tokens, ok := in.Clauses[ClauseOtherwise]
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.Join(tokens, " "))
}

// WaitDuration returns the interval of a wait instruction. Only valid
// on instructions that passed validation with Command == CommandWait.
func (in Instruction) WaitDuration() time.Duration {
	amount := mustAtoi(in.Args[0])
	return time.Duration(amount) * waitUnits[in.Args[1]]
}

// WaitKind returns the message kind a wait-for instruction expects.
// Only valid on validated wait-for instructions.
func (in Instruction) WaitKind() string {
	return in.Args[0]
}

// Program is an ordered, 0-indexed instruction sequence, immutable
// after compilation.
type Program []Instruction

// Len returns the number of instructions.
func (p Program) Len() int { return len(p) }

// At returns the instruction at index i, or ok=false when i is past
// the end of the program (the terminal state).
func (p Program) At(i int) (Instruction, bool) {
	if i < 0 || i >= len(p) {
		return Instruction{}, false
	}
	return p[i], true
}
