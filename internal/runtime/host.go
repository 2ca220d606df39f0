package runtime

import (
	"github.com/wasmerio/wasmer-go/wasmer"
)

// hostCtx is the shared state every host import closes over: guest memory,
// the three I/O pipes, and the invocation's remaining gas budget.
type hostCtx struct {
	mem    *wasmer.Memory
	stdin  *pipe
	stdout *pipe
	stderr *pipe

	gasRemaining uint64
	gasExhausted bool

	pendingStdin []byte
}

func (h *hostCtx) consumeGas(points uint32) int32 {
	if h.gasExhausted {
		return -1
	}
	if uint64(points) > h.gasRemaining {
		h.gasRemaining = 0
		h.gasExhausted = true
		return -1
	}
	h.gasRemaining -= uint64(points)
	return 0
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	data := h.mem.Data()
	if ptr < 0 || ln < 0 || int(ptr)+int(ln) > len(data) {
		return nil
	}
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) bool {
	mem := h.mem.Data()
	if ptr < 0 || int(ptr)+len(data) > len(mem) {
		return false
	}
	copy(mem[ptr:], data)
	return true
}

// registerHost wires hostCtx's methods as the guest's "env" imports: frame
// exchange over the stdin/stdout pipes, a stderr passthrough for raw
// diagnostic text, and the gas-metering call every guest instruction-equivalent
// is expected to make before proceeding. wasmer-go v1 has no automatic
// per-instruction metering middleware, so metering is bridged through an
// explicit host_consume_gas call instead (see DESIGN.md).
func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	hostConsumeGas := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			points := uint32(args[0].I32())
			return []wasmer.Value{wasmer.NewI32(h.consumeGas(points))}, nil
		},
	)

	// stdin_len() -> i32: length of the next pending host->guest frame,
	// blocking until one is available. -1 means the pipe closed with
	// nothing pending (guest should treat this as EOF).
	hostStdinLen := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			data, ok := h.stdin.read()
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.pendingStdin = data
			return []wasmer.Value{wasmer.NewI32(int32(len(data)))}, nil
		},
	)

	// stdin_read(ptr) -> i32: copies the frame fetched by stdin_len into
	// guest memory at ptr; returns bytes written or -1 on bounds failure.
	hostStdinRead := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr := args[0].I32()
			if !h.write(ptr, h.pendingStdin) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			n := int32(len(h.pendingStdin))
			h.pendingStdin = nil
			return []wasmer.Value{wasmer.NewI32(n)}, nil
		},
	)

	// stdout_write(ptr, len): pushes one guest->host frame.
	hostStdoutWrite := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			data := h.read(ptr, ln)
			if data == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.stdout.write(data)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	// stderr_write(ptr, len): raw diagnostic text, not part of the framed
	// protocol.
	hostStderrWrite := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			if data := h.read(ptr, ln); data != nil {
				h.stderr.write(data)
			}
			return []wasmer.Value{}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_consume_gas": hostConsumeGas,
		"stdin_len":        hostStdinLen,
		"stdin_read":       hostStdinRead,
		"stdout_write":     hostStdoutWrite,
		"stderr_write":     hostStderrWrite,
	})

	return imports
}
