package core

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"
)

// ParseProgram reads a classic BPF program in the "code jt jf k" text form
// printed by tcpdump -dd, one instruction per line. Blank lines, '#'
// comments and the braces and commas of the C array form are ignored.
func ParseProgram(text string) ([]bpf.Instruction, error) {
	var raw []bpf.RawInstruction
	for i, line := range strings.Split(text, "\n") {
		if j := strings.IndexByte(line, '#'); j >= 0 {
			line = line[:j]
		}
		line = strings.NewReplacer("{", " ", "}", " ", ",", " ").Replace(line)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("%w: bpf line %d: want 4 fields, got %d", ErrConfigInvalid, i+1, len(fields))
		}
		var v [4]uint64
		for k, bits := range [4]int{16, 8, 8, 32} {
			n, err := strconv.ParseUint(fields[k], 0, bits)
			if err != nil {
				return nil, fmt.Errorf("%w: bpf line %d: %v", ErrConfigInvalid, i+1, err)
			}
			v[k] = n
		}
		raw = append(raw, bpf.RawInstruction{Op: uint16(v[0]), Jt: uint8(v[1]), Jf: uint8(v[2]), K: uint32(v[3])})
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty bpf program", ErrConfigInvalid)
	}
	prog, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("%w: bpf program has unknown opcodes", ErrConfigInvalid)
	}
	return prog, nil
}
