package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a register machine instruction code.
type Opcode uint8

// Loads and moves
const (
	OpNop           Opcode = iota
	OpLoadConst            // rA = K[B]
	OpLoadUndefined        // rA = undefined
	OpLoadNull             // rA = null
	OpLoadTrue             // rA = true
	OpLoadFalse            // rA = false
	OpLoadInt              // rA = B
	OpMove                 // rA = rB
)

// Objects and properties
const (
	OpNewObject   Opcode = iota + 0x10 // rA = {}
	OpNewArray                         // rA = [rB .. rB+C)
	OpNewFunction                      // rA = closure over Functions[B]
	OpGetName                          // rA = rB[N[C]] (cached)
	OpPutName                          // rA[N[B]] = rC (cached)
	OpGetIndex                         // rA = rB[rC]
	OpPutIndex                         // rA[rB] = rC
	OpGetGlobal                        // rA = global[N[B]]
	OpPutGlobal                        // global[N[A]] = rB
	OpArguments                        // rA = arguments object
	OpVariables                        // rA = variables object
)

// Operators
const (
	OpAdd      Opcode = iota + 0x30 // rA = rB + rC
	OpSub                           // rA = rB - rC
	OpMul                           // rA = rB * rC
	OpDiv                           // rA = rB / rC
	OpLt                            // rA = rB < rC
	OpStrictEq                      // rA = rB === rC
	OpNot                           // rA = !rB
	OpTypeof                        // rA = typeof rB
)

// Control flow
const (
	OpJump        Opcode = iota + 0x50 // goto A
	OpJumpIfFalse                      // if !rA goto B
	OpJumpIfTrue                       // if rA goto B
	OpCall                             // rA = rB(this rB+1, args rB+2 .. +C)
	OpConstruct                        // rA = new rB(args rB+2 .. +C)
	OpReturn                           // return rA
	OpThrow                            // throw rA
)

// operand kinds used by the disassembler
const (
	argNone = iota
	argReg
	argInt
	argConst
	argName
	argTarget
	argFunc
)

// OpcodeInfo describes an opcode for disassembly.
type OpcodeInfo struct {
	Name     string
	Operands [3]uint8
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:           {"NOP", [3]uint8{}},
	OpLoadConst:     {"LOAD_CONST", [3]uint8{argReg, argConst}},
	OpLoadUndefined: {"LOAD_UNDEFINED", [3]uint8{argReg}},
	OpLoadNull:      {"LOAD_NULL", [3]uint8{argReg}},
	OpLoadTrue:      {"LOAD_TRUE", [3]uint8{argReg}},
	OpLoadFalse:     {"LOAD_FALSE", [3]uint8{argReg}},
	OpLoadInt:       {"LOAD_INT", [3]uint8{argReg, argInt}},
	OpMove:          {"MOVE", [3]uint8{argReg, argReg}},

	OpNewObject:   {"NEW_OBJECT", [3]uint8{argReg}},
	OpNewArray:    {"NEW_ARRAY", [3]uint8{argReg, argReg, argInt}},
	OpNewFunction: {"NEW_FUNCTION", [3]uint8{argReg, argFunc}},
	OpGetName:     {"GET_NAME", [3]uint8{argReg, argReg, argName}},
	OpPutName:     {"PUT_NAME", [3]uint8{argReg, argName, argReg}},
	OpGetIndex:    {"GET_INDEX", [3]uint8{argReg, argReg, argReg}},
	OpPutIndex:    {"PUT_INDEX", [3]uint8{argReg, argReg, argReg}},
	OpGetGlobal:   {"GET_GLOBAL", [3]uint8{argReg, argName}},
	OpPutGlobal:   {"PUT_GLOBAL", [3]uint8{argName, argReg}},
	OpArguments:   {"ARGUMENTS", [3]uint8{argReg}},
	OpVariables:   {"VARIABLES", [3]uint8{argReg}},

	OpAdd:      {"ADD", [3]uint8{argReg, argReg, argReg}},
	OpSub:      {"SUB", [3]uint8{argReg, argReg, argReg}},
	OpMul:      {"MUL", [3]uint8{argReg, argReg, argReg}},
	OpDiv:      {"DIV", [3]uint8{argReg, argReg, argReg}},
	OpLt:       {"LT", [3]uint8{argReg, argReg, argReg}},
	OpStrictEq: {"STRICT_EQ", [3]uint8{argReg, argReg, argReg}},
	OpNot:      {"NOT", [3]uint8{argReg, argReg}},
	OpTypeof:   {"TYPEOF", [3]uint8{argReg, argReg}},

	OpJump:        {"JUMP", [3]uint8{argTarget}},
	OpJumpIfFalse: {"JUMP_IF_FALSE", [3]uint8{argReg, argTarget}},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", [3]uint8{argReg, argTarget}},
	OpCall:        {"CALL", [3]uint8{argReg, argReg, argInt}},
	OpConstruct:   {"CONSTRUCT", [3]uint8{argReg, argReg, argInt}},
	OpReturn:      {"RETURN", [3]uint8{argReg}},
	OpThrow:       {"THROW", [3]uint8{argReg}},
}

// Info returns the opcode's metadata.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

func (op Opcode) String() string { return op.Info().Name }

// Instruction is one register machine instruction.
type Instruction struct {
	Op      Opcode
	A, B, C int32
}

// Handler is a try region: an exception thrown by an instruction in
// [Start, End) stores the thrown value in Register and continues at Target.
type Handler struct {
	Start, End int
	Target     int
	Register   int
}

// ---------------------------------------------------------------------------
// Code
// ---------------------------------------------------------------------------

// Code is a compiled function body. Register 0 holds this, registers 1
// through NumParams hold the parameters, and the variables named in
// VarNames follow them. Arguments beyond NumParams are stored after the
// last register.
type Code struct {
	Name         string
	File         string
	Instructions []Instruction
	Constants    []Value
	Names        []string
	NumRegisters int
	NumParams    int
	ParamNames   []string
	VarNames     []string
	Lines        []int
	Handlers     []Handler
	Functions    []*Code

	caches *CacheTable
}

// Cache returns the property cache of the instruction at pc.
func (c *Code) Cache(pc int) *PropertyCache {
	if c.caches == nil {
		c.caches = NewCacheTable()
	}
	return c.caches.GetOrCreate(pc)
}

// CacheStats returns statistics over the code's property caches.
func (c *Code) CacheStats() CacheStats {
	if c.caches == nil {
		return CacheStats{}
	}
	return c.caches.Stats()
}

// Line returns the source line of the instruction at pc, or 0.
func (c *Code) Line(pc int) int {
	if pc >= 0 && pc < len(c.Lines) {
		return c.Lines[pc]
	}
	return 0
}

func (c *Code) handlerFor(pc int) (Handler, bool) {
	for _, h := range c.Handlers {
		if pc >= h.Start && pc < h.End {
			return h, true
		}
	}
	return Handler{}, false
}

// variableRegister returns the register of a named parameter or variable.
func (c *Code) variableRegister(name string) (int, bool) {
	for i, n := range c.ParamNames {
		if n == name {
			return 1 + i, true
		}
	}
	for i, n := range c.VarNames {
		if n == name {
			return 1 + c.NumParams + i, true
		}
	}
	return 0, false
}

// Disassemble renders the code in a readable listing.
func (c *Code) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "function %s (params %d, registers %d)\n", c.displayName(), c.NumParams, c.NumRegisters)
	for pc, ins := range c.Instructions {
		info := ins.Op.Info()
		fmt.Fprintf(&sb, "  %04d  %-15s", pc, info.Name)
		operands := [3]int32{ins.A, ins.B, ins.C}
		var parts, notes []string
		for i, kind := range info.Operands {
			v := operands[i]
			switch kind {
			case argReg:
				parts = append(parts, fmt.Sprintf("r%d", v))
			case argInt:
				parts = append(parts, fmt.Sprintf("%d", v))
			case argConst:
				parts = append(parts, fmt.Sprintf("k%d", v))
				if int(v) < len(c.Constants) {
					notes = append(notes, c.Constants[v].GoString())
				}
			case argName:
				parts = append(parts, fmt.Sprintf("n%d", v))
				if int(v) < len(c.Names) {
					notes = append(notes, c.Names[v])
				}
			case argTarget:
				parts = append(parts, fmt.Sprintf("@%d", v))
			case argFunc:
				parts = append(parts, fmt.Sprintf("f%d", v))
				if int(v) < len(c.Functions) {
					notes = append(notes, c.Functions[v].displayName())
				}
			}
		}
		sb.WriteString(strings.Join(parts, ", "))
		if len(notes) > 0 {
			sb.WriteString("  ; ")
			sb.WriteString(strings.Join(notes, ", "))
		}
		sb.WriteByte('\n')
	}
	for _, h := range c.Handlers {
		fmt.Fprintf(&sb, "  try [%d, %d) -> %d catch r%d\n", h.Start, h.End, h.Target, h.Register)
	}
	return sb.String()
}

func (c *Code) displayName() string {
	if c.Name == "" {
		return "<anonymous>"
	}
	return c.Name
}

// ---------------------------------------------------------------------------
// Compiler boundary
// ---------------------------------------------------------------------------

// CompileOptions are passed through to a Compiler.
type CompileOptions struct {
	OptimizeLevel int
	Disassemble   bool
	FunctionBody  bool
}

// Compiler turns source text into Code. The runtime does not include one;
// embedders supply it.
type Compiler interface {
	Compile(source string, opts CompileOptions) (*Code, error)
}

// ---------------------------------------------------------------------------
// CodeBuilder
// ---------------------------------------------------------------------------

// Label is a jump target that may be marked after it is referenced.
type Label struct {
	resolved bool
	position int
	refs     []int // instruction indices to patch
}

// CodeBuilder assembles Code programmatically.
type CodeBuilder struct {
	code  *Code
	line  int
	names map[string]int
}

// NewCodeBuilder starts a function with the given name and parameters.
// Parameter i lives in register 1+i.
func NewCodeBuilder(name string, params ...string) *CodeBuilder {
	return &CodeBuilder{
		code: &Code{
			Name:         name,
			NumParams:    len(params),
			ParamNames:   params,
			NumRegisters: 1 + len(params),
		},
		names: make(map[string]int),
	}
}

// File sets the source file name.
func (b *CodeBuilder) File(name string) *CodeBuilder {
	b.code.File = name
	return b
}

// Line sets the source line recorded for following instructions.
func (b *CodeBuilder) Line(n int) *CodeBuilder {
	b.line = n
	return b
}

// Var declares a named variable and returns its register.
func (b *CodeBuilder) Var(name string) int {
	r := 1 + b.code.NumParams + len(b.code.VarNames)
	if r < b.code.NumRegisters {
		panic("vm: variables must be declared before temporaries")
	}
	b.code.VarNames = append(b.code.VarNames, name)
	b.reserve(r)
	return r
}

// Temp reserves and returns a fresh scratch register.
func (b *CodeBuilder) Temp() int {
	r := b.code.NumRegisters
	b.code.NumRegisters++
	return r
}

// Temps reserves n consecutive scratch registers and returns the first.
func (b *CodeBuilder) Temps(n int) int {
	r := b.code.NumRegisters
	b.code.NumRegisters += n
	return r
}

func (b *CodeBuilder) reserve(r int) {
	if r >= b.code.NumRegisters {
		b.code.NumRegisters = r + 1
	}
}

// Const adds a constant and returns its index. Strings in the pool must be
// static.
func (b *CodeBuilder) Const(v Value) int {
	b.code.Constants = append(b.code.Constants, v)
	return len(b.code.Constants) - 1
}

// Name returns the index of name in the name table.
func (b *CodeBuilder) Name(name string) int {
	if i, ok := b.names[name]; ok {
		return i
	}
	b.code.Names = append(b.code.Names, name)
	i := len(b.code.Names) - 1
	b.names[name] = i
	return i
}

// Function adds a nested function and returns its index.
func (b *CodeBuilder) Function(c *Code) int {
	b.code.Functions = append(b.code.Functions, c)
	return len(b.code.Functions) - 1
}

// Emit appends an instruction and returns its position.
func (b *CodeBuilder) Emit(op Opcode, operands ...int) int {
	ins := Instruction{Op: op}
	if len(operands) > 0 {
		ins.A = int32(operands[0])
	}
	if len(operands) > 1 {
		ins.B = int32(operands[1])
	}
	if len(operands) > 2 {
		ins.C = int32(operands[2])
	}
	for i, kind := range op.Info().Operands {
		if kind == argReg && i < len(operands) {
			b.reserve(operands[i])
		}
	}
	b.code.Instructions = append(b.code.Instructions, ins)
	b.code.Lines = append(b.code.Lines, b.line)
	return len(b.code.Instructions) - 1
}

// Pos returns the position of the next instruction.
func (b *CodeBuilder) Pos() int { return len(b.code.Instructions) }

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel() *Label { return &Label{} }

// Mark resolves label to the next instruction and patches references.
func (b *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("vm: label already resolved")
	}
	label.resolved = true
	label.position = b.Pos()
	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

func (b *CodeBuilder) patch(pc, target int) {
	ins := &b.code.Instructions[pc]
	if ins.Op == OpJump {
		ins.A = int32(target)
	} else {
		ins.B = int32(target)
	}
}

// Jump emits an unconditional jump to label.
func (b *CodeBuilder) Jump(label *Label) {
	b.branch(b.Emit(OpJump), label)
}

// JumpIfFalse emits a jump to label taken when register cond is falsy.
func (b *CodeBuilder) JumpIfFalse(cond int, label *Label) {
	b.branch(b.Emit(OpJumpIfFalse, cond), label)
}

// JumpIfTrue emits a jump to label taken when register cond is truthy.
func (b *CodeBuilder) JumpIfTrue(cond int, label *Label) {
	b.branch(b.Emit(OpJumpIfTrue, cond), label)
}

func (b *CodeBuilder) branch(pc int, label *Label) {
	if label.resolved {
		b.patch(pc, label.position)
		return
	}
	label.refs = append(label.refs, pc)
}

// Try registers a handler for instructions in [start, end).
func (b *CodeBuilder) Try(start, end int, handler *Label, register int) {
	if !handler.resolved {
		panic("vm: handler label must be marked before Try")
	}
	b.reserve(register)
	b.code.Handlers = append(b.code.Handlers, Handler{Start: start, End: end, Target: handler.position, Register: register})
}

// Build returns the assembled code.
func (b *CodeBuilder) Build() *Code {
	return b.code
}
