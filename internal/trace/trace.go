// Package trace classifies stepped instructions into hashtag categories
// for run summaries.
package trace

import "strings"

// Tag categorizes an executed instruction.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for step events.
const (
	Call    Tag = "call"
	Ret     Tag = "ret"
	Branch  Tag = "br"
	Xor     Tag = "xor"
	Stack   Tag = "stack"
	Syscall Tag = "syscall"
	Shift   Tag = "shift"
	Trap    Tag = "trap"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Classify tags an x86 mnemonic. Most instructions carry no tag; the run
// summary only tallies the interesting ones.
func Classify(mnemonic string) Tags {
	var tags Tags
	switch strings.ToLower(strings.TrimSpace(mnemonic)) {
	case "call":
		tags.Add(Call)
	case "ret", "retn", "retq", "retf":
		tags.Add(Ret)
	case "jmp":
		tags.Add(Branch)
	case "xor":
		tags.Add(Xor)
	case "push", "pop":
		tags.Add(Stack)
	case "syscall", "sysenter", "int":
		tags.Add(Syscall)
	case "shl", "sal", "shr", "sar":
		tags.Add(Shift)
	case "ud2", "int3":
		tags.Add(Trap)
	default:
		if m := strings.ToLower(strings.TrimSpace(mnemonic)); strings.HasPrefix(m, "j") {
			tags.Add(Branch)
		}
	}
	return tags
}

// Counts tallies tags across a run.
type Counts map[Tag]int

// Observe adds an instruction's tags to the tally.
func (c Counts) Observe(mnemonic string) {
	for _, tag := range Classify(mnemonic) {
		c[tag]++
	}
}
