package wasm

import "fmt"

// CallGraph maps each defined function index to the functions it may call.
type CallGraph map[uint32][]uint32

// BuildCallGraph constructs a conservative call graph.
//
// Direct calls and ref.func produce an edge to their target. An indirect
// call produces edges to every function placed in a table by any element
// segment, since table contents are only known statically through them.
func BuildCallGraph(m *Module) (CallGraph, error) {
	cg := make(CallGraph)
	numImported := uint32(m.NumImportedFuncs())
	indirect := m.ElementFuncs()

	for i, body := range m.Code {
		caller := numImported + uint32(i)
		instrs, err := DecodeInstructions(body.Code)
		if err != nil {
			return nil, fmt.Errorf("decode func %d: %w", caller, err)
		}

		addedIndirect := false
		for _, instr := range instrs {
			switch instr.Opcode {
			case OpCall, OpReturnCall:
				cg[caller] = appendUnique(cg[caller], instr.Imm.(CallImm).FuncIdx)
			case OpRefFunc:
				cg[caller] = appendUnique(cg[caller], instr.Imm.(RefFuncImm).FuncIdx)
			case OpCallIndirect, OpReturnCallIndirect:
				if addedIndirect {
					continue
				}
				addedIndirect = true
				for _, f := range indirect {
					cg[caller] = appendUnique(cg[caller], f)
				}
			}
		}
	}

	return cg, nil
}

// ElementFuncs returns every function index referenced by an element
// segment, in first-seen order.
func (m *Module) ElementFuncs() []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	add := func(f uint32) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for i := range m.Elements {
		e := &m.Elements[i]
		for _, f := range e.FuncIdxs {
			add(f)
		}
		for _, expr := range e.Exprs {
			if v, err := EvalConst(expr, nil); err == nil && v.Type == ValFuncRef && !v.Null {
				add(v.FuncIdx)
			}
		}
	}
	return out
}

// TransitiveCallees finds all functions reachable from the sources,
// including the sources themselves.
func (cg CallGraph) TransitiveCallees(sources map[uint32]bool) map[uint32]bool {
	result := make(map[uint32]bool, len(sources))
	queue := make([]uint32, 0, len(sources))
	for s := range sources {
		result[s] = true
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, callee := range cg[cur] {
			if !result[callee] {
				result[callee] = true
				queue = append(queue, callee)
			}
		}
	}
	return result
}

func appendUnique(slice []uint32, val uint32) []uint32 {
	for _, v := range slice {
		if v == val {
			return slice
		}
	}
	return append(slice, val)
}
