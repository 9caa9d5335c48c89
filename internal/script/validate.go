package script

import "strconv"

// Vocabulary for wait-for kinds and wait units.
var (
	waitForKinds = map[string]struct{}{
		"text":  {},
		"voice": {},
		"image": {},
	}
)

// Recipients a notify instruction may address.
var notifyRecipients = map[string]struct{}{
	"admin": {},
}

// AttachmentKinds is the closed vocabulary of %attach% identifiers.
// Resolution of each kind is the attachment collaborator's business.
var AttachmentKinds = map[string]struct{}{
	"contact.vcf":   {},
	"chat_log.txt":  {},
	"last-text":     {},
	"last-image":    {},
	"last-voice":    {},
	"media.zip":     {},
	"full_chat.zip": {},
}

// validate checks every instruction against its command's arity,
// vocabulary, and legal-clause rules. Fails fast with the first
// offending instruction's index.
func validate(p Program) error {
	for i, inst := range p {
		if err := validateInstruction(i, inst); err != nil {
			return err
		}
	}
	return nil
}

func validateInstruction(index int, inst Instruction) error {
	switch inst.Command {
	case CommandGreeting:
		if index != 0 {
			return compileErrorf(index, "a bare greeting is only legal as the first instruction")
		}
		return nil

	case CommandWaitFor:
		if len(inst.Args) != 1 {
			return compileErrorf(index, "wait-for takes exactly one argument")
		}
		if _, ok := waitForKinds[inst.Args[0]]; !ok {
			return compileErrorf(index, "the type must be text, voice or image")
		}
		if err := legalClauses(index, inst, ClauseMatch, ClauseOtherwise); err != nil {
			return err
		}
		if _, hasMatch := inst.Clauses[ClauseMatch]; hasMatch && inst.Args[0] != "text" {
			return compileErrorf(index, "%%match%% is only allowed with wait-for text")
		}
		return nil

	case CommandWait:
		if len(inst.Args) != 2 {
			return compileErrorf(index, "wait takes exactly two arguments")
		}
		if _, err := strconv.Atoi(inst.Args[0]); err != nil {
			return compileErrorf(index, "unable to parse %q as an integer", inst.Args[0])
		}
		if _, ok := waitUnits[inst.Args[1]]; !ok {
			return compileErrorf(index, "the unit must be sec, min, h or d")
		}
		return legalClauses(index, inst, ClauseOtherwise)

	case CommandNotify:
		if len(inst.Args) < 1 {
			return compileErrorf(index, "notify takes at least one argument")
		}
		if _, ok := notifyRecipients[inst.Args[0]]; !ok {
			return compileErrorf(index, "unknown notify recipient %q", inst.Args[0])
		}
		if err := legalClauses(index, inst, ClauseAttach); err != nil {
			return err
		}
		for _, kind := range inst.Clauses[ClauseAttach] {
			if _, ok := AttachmentKinds[kind]; !ok {
				return compileErrorf(index, "unknown attachment kind %q", kind)
			}
		}
		return nil

	default:
		return compileErrorf(index, "unknown command %q", string(inst.Command))
	}
}

// legalClauses rejects any subclause not in the allowed set.
func legalClauses(index int, inst Instruction, allowed ...string) error {
	for name := range inst.Clauses {
		legal := false
		for _, a := range allowed {
			if name == a {
				legal = true
				break
			}
		}
		if !legal {
			return compileErrorf(index, "%%%s%% is not a legal clause for %s",
				name, string(inst.Command))
		}
	}
	return nil
}
