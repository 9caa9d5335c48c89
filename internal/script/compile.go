package script

import (
	"fmt"
	"strconv"
	"strings"
)

// Sigil marks a command line; the first non-blank character of a
// command line is always '%'.
const Sigil = '%'

// CompileError reports a malformed script. Index is the 0-based
// instruction the problem was found at.
type CompileError struct {
	// Index is the offending instruction's position in the program.
	Index int

	// Reason is a human-readable description of the problem.
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("instruction %d: %s", e.Index, e.Reason)
}

func compileErrorf(index int, format string, args ...any) *CompileError {
	return &CompileError{Index: index, Reason: fmt.Sprintf(format, args...)}
}

// Field names an instruction already uses; they cannot double as
// subclause names.
var reservedClauseNames = map[string]struct{}{
	"command": {},
	"args":    {},
	"reply":   {},
}

// Compile parses and validates script text. On success the returned
// Program has one instruction per command line, plus a leading bare
// greeting if the script opens with free text. On failure the error is
// a *CompileError carrying the offending instruction index.
func Compile(text string) (Program, error) {
	program, err := parse(text)
	if err != nil {
		return nil, err
	}
	if err := validate(program); err != nil {
		return nil, err
	}
	return program, nil
}

// parse splits the text into alternating command lines and free-text
// blocks. The block following a command line becomes that
// instruction's reply; a leading block with no command becomes the
// bare greeting instruction.
func parse(text string) (Program, error) {
	var (
		program   Program
		textLines []string
		pending   *Instruction
		havePend  bool
	)

	flush := func() {
		reply := strings.TrimSpace(strings.Join(textLines, "\n"))
		textLines = nil
		if !havePend {
			// Free text with no preceding command is the bare
			// greeting; blank-only blocks produce nothing.
			if reply == "" {
				return
			}
			program = append(program, Instruction{Command: CommandGreeting, Reply: reply})
			return
		}
		inst := *pending
		inst.Reply = reply
		program = append(program, inst)
		pending = nil
		havePend = false
	}

	for _, line := range strings.Split(text, "\n") {
		if isCommandLine(line) {
			flush()
			inst, err := parseCommandLine(strings.TrimSpace(line), len(program))
			if err != nil {
				return nil, err
			}
			pending = &inst
			havePend = true
			continue
		}
		textLines = append(textLines, line)
	}
	flush()

	return program, nil
}

func isCommandLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	return len(trimmed) > 0 && trimmed[0] == Sigil
}

// parseCommandLine tokenizes one command line. The first token is the
// command name, %name% tokens open subclauses, and everything else
// lands in the positional args or the open subclause.
func parseCommandLine(line string, index int) (Instruction, error) {
	tokens := strings.Fields(line)

	name := trimSigils(tokens[0])
	if name == "" {
		return Instruction{}, compileErrorf(index, "command line has no command name")
	}

	inst := Instruction{
		Command: Command(name),
		Args:    []string{},
		Clauses: map[string][]string{},
	}

	clause := ""
	for _, token := range tokens[1:] {
		if name, ok := clauseDelimiter(token); ok {
			if _, reserved := reservedClauseNames[name]; reserved {
				return Instruction{}, compileErrorf(index, "%q is a reserved name and cannot open a subclause", name)
			}
			clause = name
			inst.Clauses[clause] = []string{}
			continue
		}
		if clause == "" {
			inst.Args = append(inst.Args, token)
		} else {
			inst.Clauses[clause] = append(inst.Clauses[clause], token)
		}
	}

	return inst, nil
}

// clauseDelimiter reports whether the token has the %name% delimiter
// shape, and if so returns the inner name.
func clauseDelimiter(token string) (string, bool) {
	if len(token) < 3 || token[0] != Sigil || token[len(token)-1] != Sigil {
		return "", false
	}
	name := token[1 : len(token)-1]
	if strings.ContainsRune(name, rune(Sigil)) {
		return "", false
	}
	return name, true
}

// trimSigils strips the leading sigil and, if present, a trailing one,
// so both "%wait-for" and "%wait-for%" name the wait-for command.
func trimSigils(token string) string {
	token = strings.TrimPrefix(token, string(Sigil))
	token = strings.TrimSuffix(token, string(Sigil))
	return token
}

// mustAtoi converts an integer literal that validation already
// accepted.
func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
