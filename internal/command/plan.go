package command

// Plan is the ordered list of opcodes still waiting to be written.
type Plan struct {
	ops []Opcode
}

// Append queues ops after whatever is already planned.
func (p *Plan) Append(ops ...Opcode) {
	p.ops = append(p.ops, ops...)
}

// Replace discards the queued opcodes and plans ops instead.
func (p *Plan) Replace(ops ...Opcode) {
	p.ops = append(p.ops[:0:0], ops...)
}

// Peek returns the next opcode without removing it.
func (p *Plan) Peek() (Opcode, bool) {
	if len(p.ops) == 0 {
		return 0, false
	}
	return p.ops[0], true
}

// Pop removes and returns the next opcode.
func (p *Plan) Pop() (Opcode, bool) {
	op, ok := p.Peek()
	if ok {
		p.ops = p.ops[1:]
	}
	return op, ok
}

func (p *Plan) Len() int {
	return len(p.ops)
}

func (p *Plan) Clear() {
	p.ops = nil
}

// Ops returns a copy of the queued opcodes.
func (p *Plan) Ops() []Opcode {
	return append([]Opcode(nil), p.ops...)
}
