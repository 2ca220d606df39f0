package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/kv"
	"github.com/synnergy-mu/cluster/internal/protocol"
)

// The fixtures below are hand-assembled wasm-1.0 binaries: just enough of
// the format (LEB128, sections, one exported memory and _start) to drive
// Execute end-to-end without a guest toolchain in the repo.

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmSection(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func i32Const(v int32) []byte { return append([]byte{0x41}, sleb(v)...) }
func callFunc(idx uint32) []byte {
	return append([]byte{0x10}, uleb(idx)...)
}

const opDrop = 0x1A

// Fixture type indices, in declaration order below.
const (
	typeVoid     = 0 // () -> ()
	typeI32I32R  = 1 // (i32, i32) -> i32
	typeNoArgs32 = 2 // () -> i32
)

type guestImport struct {
	name string
	typ  uint32
}

// buildGuest assembles a module with the given env imports, an exported
// memory of memPages pages, an exported _start whose body is instrs, and
// data placed at offset 0 of the memory.
func buildGuest(imports []guestImport, memPages uint32, data []byte, instrs []byte) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	types := uleb(3)
	types = append(types, 0x60, 0x00, 0x00)                   // () -> ()
	types = append(types, 0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7F) // (i32, i32) -> i32
	types = append(types, 0x60, 0x00, 0x01, 0x7F)             // () -> i32
	mod = append(mod, wasmSection(1, types)...)

	if len(imports) > 0 {
		imp := uleb(uint32(len(imports)))
		for _, im := range imports {
			imp = append(imp, wasmName("env")...)
			imp = append(imp, wasmName(im.name)...)
			imp = append(imp, 0x00) // func import
			imp = append(imp, uleb(im.typ)...)
		}
		mod = append(mod, wasmSection(2, imp)...)
	}

	// One module-defined function: _start, () -> ().
	mod = append(mod, wasmSection(3, append(uleb(1), uleb(typeVoid)...))...)

	mem := uleb(1)
	mem = append(mem, 0x00) // min only
	mem = append(mem, uleb(memPages)...)
	mod = append(mod, wasmSection(5, mem)...)

	startIdx := uint32(len(imports))
	exp := uleb(2)
	exp = append(exp, wasmName("memory")...)
	exp = append(exp, 0x02)
	exp = append(exp, uleb(0)...)
	exp = append(exp, wasmName("_start")...)
	exp = append(exp, 0x00)
	exp = append(exp, uleb(startIdx)...)
	mod = append(mod, wasmSection(7, exp)...)

	body := append(uleb(0), instrs...) // no locals
	body = append(body, 0x0B)
	code := uleb(1)
	code = append(code, uleb(uint32(len(body)))...)
	code = append(code, body...)
	mod = append(mod, wasmSection(10, code)...)

	if len(data) > 0 {
		seg := uleb(1)
		seg = append(seg, 0x00) // active segment, memory 0
		seg = append(seg, i32Const(0)...)
		seg = append(seg, 0x0B)
		seg = append(seg, uleb(uint32(len(data)))...)
		seg = append(seg, data...)
		mod = append(mod, wasmSection(11, seg)...)
	}
	return mod
}

func mustFrame(t *testing.T, kind protocol.Kind, payload any) []byte {
	t.Helper()
	msg, err := protocol.Encode(kind, payload)
	require.NoError(t, err)
	return encodeFrame(msg)
}

func newExecRuntime(t *testing.T) (*Runtime, clusterid.StackID) {
	t.Helper()
	r := New(Config{}, NewKVHost(kv.NewMemClient(), nil, nil), nil, nil)
	id, err := clusterid.RandomStackID('s')
	require.NoError(t, err)
	return r, id
}

func TestExecuteReturnsFunctionResult(t *testing.T) {
	frame := mustFrame(t, protocol.KindFunctionResult, protocol.FunctionResult{Response: []byte("pong")})

	var instrs []byte
	instrs = append(instrs, i32Const(0)...)
	instrs = append(instrs, i32Const(int32(len(frame)))...)
	instrs = append(instrs, callFunc(0)...) // stdout_write
	instrs = append(instrs, opDrop)
	wasm := buildGuest([]guestImport{{"stdout_write", typeI32I32R}}, 1, frame, instrs)

	r, id := newExecRuntime(t)
	resp, usage, err := r.Execute(context.Background(), id, "a", "fn", wasm, 1<<20, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), resp)
	assert.Equal(t, uint64(1), usage.MemoryMegabytes)
	// No host calls were dispatched, so no metering cost accrued.
	assert.Zero(t, usage.FunctionInstructions)
}

func TestExecuteUncleanTermination(t *testing.T) {
	// _start returns without ever writing a result frame.
	wasm := buildGuest(nil, 1, nil, nil)

	r, id := newExecRuntime(t)
	_, usage, err := r.Execute(context.Background(), id, "a", "fn", wasm, 1<<20, nil)
	require.ErrorIs(t, err, ErrFunctionDidntTerminateCleanly)
	assert.Zero(t, usage.DBWeakWrites)
}

func TestExecuteMemoryLimitTrip(t *testing.T) {
	// 32 pages = 2 MiB declared minimum, against a 1 MiB limit.
	wasm := buildGuest(nil, 32, nil, nil)

	r, id := newExecRuntime(t)
	_, _, err := r.Execute(context.Background(), id, "a", "fn", wasm, 1<<20, nil)
	require.ErrorIs(t, err, ErrMaximumMemoryExceeded)

	// Raising the limit lets the same module instantiate; it then exits
	// without a result, which is enough to prove instantiation happened.
	_, _, err = r.Execute(context.Background(), id, "a", "fn", wasm, 4<<20, nil)
	require.ErrorIs(t, err, ErrFunctionDidntTerminateCleanly)
}

func TestExecuteMetersHostCalls(t *testing.T) {
	kvFrame := mustFrame(t, protocol.KindKVGet, protocol.KVRequest{Table: "users", Key: []byte("k")})
	resFrame := mustFrame(t, protocol.KindFunctionResult, protocol.FunctionResult{Response: []byte("done")})
	data := append(append([]byte(nil), kvFrame...), resFrame...)
	resOffset := int32(len(kvFrame))

	imports := []guestImport{
		{"stdout_write", typeI32I32R}, // func 0
		{"stdin_len", typeNoArgs32},   // func 1
	}
	var instrs []byte
	instrs = append(instrs, callFunc(1)...) // consume the ExecuteFunction frame
	instrs = append(instrs, opDrop)
	instrs = append(instrs, i32Const(0)...)
	instrs = append(instrs, i32Const(int32(len(kvFrame)))...)
	instrs = append(instrs, callFunc(0)...) // issue the KV host call
	instrs = append(instrs, opDrop)
	instrs = append(instrs, callFunc(1)...) // block until the host replied
	instrs = append(instrs, opDrop)
	instrs = append(instrs, i32Const(resOffset)...)
	instrs = append(instrs, i32Const(int32(len(resFrame)))...)
	instrs = append(instrs, callFunc(0)...) // write the result frame
	instrs = append(instrs, opDrop)
	wasm := buildGuest(imports, 1, data, instrs)

	r, id := newExecRuntime(t)
	resp, usage, err := r.Execute(context.Background(), id, "a", "fn", wasm, 1<<20, []byte("req"))
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), resp)
	assert.Equal(t, uint64(1), usage.DBWeakReads)
	assert.Equal(t, uint64(gasPerHostCall), usage.FunctionInstructions)
}
