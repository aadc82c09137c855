package instrument

import (
	"github.com/wippyai/wasm-preinit/wasm"
)

type bodyRewrite struct {
	growFuncs    []uint32 // guard function per defined memory; nil when unguarded
	consume      uint32
	importedMems uint32
	meter        bool
}

// rewriteBody inserts fuel charges and replaces memory.grow with guarded
// calls. Untouched instructions are copied from their original encoding.
//
// A charge is placed at the start of every straight-line run: the function
// entry and the position after each control instruction (block, loop and if
// entries, else, end, branches and calls). Each charge covers the run up to
// and including the next control instruction, so every executed
// instruction is paid for exactly once at the point its run is entered.
func rewriteBody(code []byte, rw bodyRewrite) ([]byte, error) {
	instrs, err := wasm.DecodeInstructions(code)
	if err != nil {
		return nil, err
	}

	var runCost []uint64
	if rw.meter {
		runCost = runCosts(instrs)
	}

	out := make([]byte, 0, len(code)+len(code)/4)
	for i, in := range instrs {
		if rw.meter && runCost[i] > 0 {
			out = appendCharge(out, runCost[i], rw.consume)
		}
		if in.Opcode == wasm.OpMemoryGrow && rw.growFuncs != nil {
			memIdx := in.Imm.(wasm.MemoryIdxImm).MemIdx
			if memIdx >= rw.importedMems && int(memIdx-rw.importedMems) < len(rw.growFuncs) {
				out = append(out, wasm.OpCall)
				out = wasm.AppendU32(out, rw.growFuncs[memIdx-rw.importedMems])
				continue
			}
		}
		out = append(out, code[in.Offset:in.Offset+in.Size]...)
	}
	return out, nil
}

// runCosts returns, for each instruction index, the cost charged before it:
// the length of the run starting there, or zero if no run starts there.
func runCosts(instrs []wasm.Instruction) []uint64 {
	costs := make([]uint64, len(instrs))
	start := 0
	for i, in := range instrs {
		if in.IsControl() || i == len(instrs)-1 {
			costs[start] = uint64(i - start + 1)
			start = i + 1
		}
	}
	return costs
}

func appendCharge(out []byte, n uint64, consume uint32) []byte {
	out = append(out, wasm.OpI64Const)
	out = wasm.AppendS64(out, int64(n))
	out = append(out, wasm.OpCall)
	return wasm.AppendU32(out, consume)
}

// consumeBody subtracts the argument from the fuel global and traps once the
// remaining fuel is negative.
//
//	global.get $fuel
//	local.get 0
//	i64.sub
//	global.set $fuel
//	global.get $fuel
//	i64.const 0
//	i64.lt_s
//	if
//	  unreachable
//	end
func consumeBody(fuel uint32) []byte {
	var c []byte
	c = append(c, wasm.OpGlobalGet)
	c = wasm.AppendU32(c, fuel)
	c = append(c, wasm.OpLocalGet, 0, wasm.OpI64Sub, wasm.OpGlobalSet)
	c = wasm.AppendU32(c, fuel)
	c = append(c, wasm.OpGlobalGet)
	c = wasm.AppendU32(c, fuel)
	c = append(c, wasm.OpI64Const, 0, wasm.OpI64LtS)
	c = append(c, wasm.OpIf, 0x40, wasm.OpUnreachable, wasm.OpEnd)
	return append(c, wasm.OpEnd)
}

// growBody checks the size memory would have after growing by the argument
// and traps with the exceeded flag set when it passes the ceiling;
// otherwise it performs the grow and returns its result.
//
//	memory.size $m
//	i64.extend_i32_u
//	local.get 0
//	i64.extend_i32_u
//	i64.add
//	i64.const ceiling
//	i64.gt_u
//	if
//	  i32.const 1
//	  global.set $exceeded
//	  unreachable
//	end
//	local.get 0
//	memory.grow $m
func growBody(memIdx uint32, ceiling uint64, exceeded uint32) []byte {
	var c []byte
	c = append(c, wasm.OpMemorySize)
	c = wasm.AppendU32(c, memIdx)
	c = append(c, wasm.OpI64ExtendI32U, wasm.OpLocalGet, 0, wasm.OpI64ExtendI32U, wasm.OpI64Add)
	c = append(c, wasm.OpI64Const)
	c = wasm.AppendS64(c, int64(min(ceiling, wasm.MemoryMaxPages32)))
	c = append(c, wasm.OpI64GtU)
	c = append(c, wasm.OpIf, 0x40, wasm.OpI32Const, 1, wasm.OpGlobalSet)
	c = wasm.AppendU32(c, exceeded)
	c = append(c, wasm.OpUnreachable, wasm.OpEnd)
	c = append(c, wasm.OpLocalGet, 0, wasm.OpMemoryGrow)
	c = wasm.AppendU32(c, memIdx)
	return append(c, wasm.OpEnd)
}
