package spreadsheet

import (
	"fmt"
	"strings"
)

// Opcode is one VM instruction. operands live in Instr.A, B and C.
type Opcode int32

const (
	OpNop Opcode = iota

	// values
	OpConst      // push Consts[A]
	OpLeaf       // push Consts[A].(Expr).Eval: references and table refs
	OpLoadLocal  // push locals[A]
	OpStoreLocal // pop into locals[A]
	OpArray      // pop A*B elements, push an A x B array

	// operators
	OpUnary    // pop v, push op A applied to v
	OpBinary   // pop r, pop l, push l op A r
	OpUnion    // pop A references, push their union
	OpImplicit // pop v, push @v

	// calls
	OpCall // pop B arguments, call the function in Consts[A]

	// control flow
	OpJump     // continue at A
	OpIfTest   // pop cond; false jumps to A, an array cond to B, an error to C
	OpIfSelect // pop else, then, cond; push the elementwise choice
)

var opcodeNames = [...]string{
	OpNop:        "NOP",
	OpConst:      "CONST",
	OpLeaf:       "LEAF",
	OpLoadLocal:  "LOAD",
	OpStoreLocal: "STORE",
	OpArray:      "ARRAY",
	OpUnary:      "UNARY",
	OpBinary:     "BINARY",
	OpUnion:      "UNION",
	OpImplicit:   "IMPLICIT",
	OpCall:       "CALL",
	OpJump:       "JUMP",
	OpIfTest:     "IFTEST",
	OpIfSelect:   "IFSELECT",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return fmt.Sprintf("OP(%d)", int32(op))
}

// Instr is one decoded instruction.
type Instr struct {
	Op      Opcode
	A, B, C int32
}

// Program is the bytecode of one compiled formula. programs hold no cell
// positions, so every cell sharing a normalized key runs the same one.
type Program struct {
	Key    string
	Code   []Instr
	Consts []any
	NSlots int
}

// Disassemble renders a program one instruction per line.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	for pc, in := range p.Code {
		fmt.Fprintf(&sb, "%04d %-8s %d %d %d\n", pc, in.Op, in.A, in.B, in.C)
	}
	return sb.String()
}

// errIneligible stops lowering for trees the VM does not run.
type errIneligible struct{ what string }

func (e *errIneligible) Error() string { return "not lowered: " + e.what }

type lowerer struct {
	prog *Program
}

func (l *lowerer) emit(op Opcode, a, b, c int32) int {
	l.prog.Code = append(l.prog.Code, Instr{Op: op, A: a, B: b, C: c})
	return len(l.prog.Code) - 1
}

func (l *lowerer) constant(v any) int32 {
	l.prog.Consts = append(l.prog.Consts, v)
	return int32(len(l.prog.Consts) - 1)
}

func (l *lowerer) here() int32 { return int32(len(l.prog.Code)) }

// lowerProgram lowers a compiled formula to bytecode. formulas using
// names, lambdas or functions marked NoBytecode stay on the tree
// evaluator.
func lowerProgram(f *CompiledFormula) (*Program, error) {
	l := &lowerer{prog: &Program{Key: f.Key, NSlots: f.NSlots}}
	if err := l.lower(f.Expr); err != nil {
		return nil, err
	}
	return l.prog, nil
}

func (l *lowerer) lower(e Expr) error {
	switch x := e.(type) {
	case *constExpr:
		l.emit(OpConst, l.constant(x.value), 0, 0)
	case *missingExpr:
		l.emit(OpConst, l.constant(nil), 0, 0)
	case *refExpr, *structuredExpr, *spillRefExpr:
		l.emit(OpLeaf, l.constant(e), 0, 0)
	case *localExpr:
		l.emit(OpLoadLocal, int32(x.slot), 0, 0)
	case *letExpr:
		for i, v := range x.values {
			if err := l.lower(v); err != nil {
				return err
			}
			l.emit(OpStoreLocal, int32(x.slots[i]), 0, 0)
		}
		return l.lower(x.body)
	case *arrayExpr:
		for _, el := range x.elems {
			if err := l.lower(el); err != nil {
				return err
			}
		}
		l.emit(OpArray, int32(x.rows), int32(x.cols), 0)
	case *unaryExpr:
		if err := l.lower(x.operand); err != nil {
			return err
		}
		l.emit(OpUnary, int32(x.op), 0, 0)
	case *binaryExpr:
		if err := l.lower(x.left); err != nil {
			return err
		}
		if err := l.lower(x.right); err != nil {
			return err
		}
		l.emit(OpBinary, int32(x.op), 0, 0)
	case *unionExpr:
		for _, item := range x.items {
			if err := l.lower(item); err != nil {
				return err
			}
		}
		l.emit(OpUnion, int32(len(x.items)), 0, 0)
	case *implicitExpr:
		if err := l.lower(x.operand); err != nil {
			return err
		}
		l.emit(OpImplicit, 0, 0, 0)
	case *callExpr:
		return l.lowerCall(x)
	default:
		return &errIneligible{what: fmt.Sprintf("%T", e)}
	}
	return nil
}

func (l *lowerer) lowerCall(x *callExpr) error {
	if x.spec.NoBytecode {
		return &errIneligible{what: x.spec.Name}
	}
	if x.spec.Lazy != nil {
		if x.spec.Name != "IF" || len(x.args) != 3 {
			return &errIneligible{what: x.spec.Name}
		}
		return l.lowerIf(x.args[0], x.args[1], x.args[2])
	}
	for _, arg := range x.args {
		if err := l.lower(arg); err != nil {
			return err
		}
	}
	l.emit(OpCall, l.constant(x.spec), int32(len(x.args)), 0)
	return nil
}

// lowerIf emits
//
//	<cond> IFTEST else,arr,end
//	<then> JUMP end
//	else: <else> JUMP end
//	arr: <then> <else> IFSELECT
//	end:
func (l *lowerer) lowerIf(cond, then, otherwise Expr) error {
	if err := l.lower(cond); err != nil {
		return err
	}
	test := l.emit(OpIfTest, 0, 0, 0)
	if err := l.lower(then); err != nil {
		return err
	}
	j1 := l.emit(OpJump, 0, 0, 0)
	l.prog.Code[test].A = l.here()
	if err := l.lower(otherwise); err != nil {
		return err
	}
	j2 := l.emit(OpJump, 0, 0, 0)
	l.prog.Code[test].B = l.here()
	if err := l.lower(then); err != nil {
		return err
	}
	if err := l.lower(otherwise); err != nil {
		return err
	}
	l.emit(OpIfSelect, 0, 0, 0)
	end := l.here()
	l.prog.Code[test].C = end
	l.prog.Code[j1].A = end
	l.prog.Code[j2].A = end
	return nil
}

// BytecodeStats describes how much of the workbook runs on the VM.
type BytecodeStats struct {
	TotalFormulaCells int
	Compiled          int // formula cells with a program
	ProgramCount      int // distinct programs
}

type programEntry struct {
	prog *Program
	refs int
}

// ProgramCache interns programs by normalized key with one reference per
// formula cell. keys that cannot be lowered are remembered too.
type ProgramCache struct {
	programs map[string]*programEntry
	rejected map[string]int
}

// NewProgramCache creates an empty program cache
func NewProgramCache() *ProgramCache {
	return &ProgramCache{
		programs: make(map[string]*programEntry),
		rejected: make(map[string]int),
	}
}

// Acquire returns the shared program for a formula, lowering it on first
// use. nil means the formula runs on the tree evaluator.
func (pc *ProgramCache) Acquire(f *CompiledFormula) *Program {
	if entry, ok := pc.programs[f.Key]; ok {
		entry.refs++
		return entry.prog
	}
	if _, ok := pc.rejected[f.Key]; ok {
		pc.rejected[f.Key]++
		return nil
	}
	prog, err := lowerProgram(f)
	if err != nil {
		pc.rejected[f.Key] = 1
		return nil
	}
	pc.programs[f.Key] = &programEntry{prog: prog, refs: 1}
	return prog
}

// Release drops one cell's use of a key.
func (pc *ProgramCache) Release(key string) {
	if entry, ok := pc.programs[key]; ok {
		entry.refs--
		if entry.refs <= 0 {
			delete(pc.programs, key)
		}
		return
	}
	if n, ok := pc.rejected[key]; ok {
		if n <= 1 {
			delete(pc.rejected, key)
		} else {
			pc.rejected[key] = n - 1
		}
	}
}

// Count returns the number of distinct programs
func (pc *ProgramCache) Count() int {
	return len(pc.programs)
}

// Compiled returns how many cell uses have a program.
func (pc *ProgramCache) Compiled() int {
	total := 0
	for _, entry := range pc.programs {
		total += entry.refs
	}
	return total
}

// Clear drops every program.
func (pc *ProgramCache) Clear() {
	pc.programs = make(map[string]*programEntry)
	pc.rejected = make(map[string]int)
}
