// Package runtime loads compiled WASM modules and drives function execution
// through the length-delimited host/guest message protocol, metering every
// invocation.
package runtime

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/protocol"
)

// Error variants surfaced by Execute.
var (
	ErrMaximumMemoryExceeded         = fmt.Errorf("runtime: declared minimum memory exceeds assembly memory limit")
	ErrMissingStartFunction          = fmt.Errorf("runtime: module has no _start export")
	ErrFunctionDidntTerminateCleanly = fmt.Errorf("runtime: instance exited before producing a result")
	ErrGasExhausted                  = fmt.Errorf("runtime: invocation exhausted its metering budget")
)

const bytesPerPage = 64 * 1024
const bytesPerMegabyte = 1 << 20

// gasPerHostCall is the fixed cost debited from an invocation's metering
// budget for every host call it makes, before the call runs. Guest-side
// instruction metering additionally debits through the host_consume_gas
// import; both draw from the same budget.
const gasPerHostCall = 1000

// Usage is the per-invocation accounting the runtime reports to the usage
// stream.
type Usage struct {
	DBWeakReads          uint64
	DBWeakWrites         uint64
	FunctionInstructions uint64
	MemoryMegabytes      uint64
}

// HostCallHandler performs one guest-initiated host call (KV op or HTTP
// client request) synchronously and returns the response message to write
// back to the guest's stdin. stackID scopes KV operations to the invoking
// stack's namespace.
type HostCallHandler interface {
	Handle(ctx context.Context, stackID clusterid.StackID, req protocol.Message) protocol.Message
}

// Config configures a Runtime.
type Config struct {
	CacheDir string

	// IncludeFunctionLogs forwards guest Log messages to the host logger.
	// Off by default: a noisy guest can otherwise flood the node's logs.
	IncludeFunctionLogs bool
}

// UsageRecorder receives per-invocation Usage after Invoke completes.
// failed reports whether the invocation ended in error; usage is recorded
// either way.
type UsageRecorder interface {
	Record(stackID clusterid.StackID, u Usage, failed bool)
}

// Runtime executes compiled WASM functions.
type Runtime struct {
	engine      *wasmer.Engine
	cache       *moduleCache
	host        HostCallHandler
	assemblies  AssemblyLoader
	usage       UsageRecorder
	log         *logrus.Entry
	includeLogs bool
}

// New constructs a Runtime backed by a fresh wasmer Engine. assemblies
// resolves a stack's assembly names to compiled WASM bytes; usage may
// be nil if per-invocation accounting isn't wired up.
func New(cfg Config, host HostCallHandler, assemblies AssemblyLoader, usage UsageRecorder) *Runtime {
	engine := wasmer.NewEngine()
	return &Runtime{
		engine:      engine,
		cache:       newModuleCache(engine, cfg.CacheDir),
		host:        host,
		assemblies:  assemblies,
		usage:       usage,
		log:         logrus.WithField("component", "runtime"),
		includeLogs: cfg.IncludeFunctionLogs,
	}
}

// Invoke satisfies internal/gateway.Invoker: it resolves assembly to
// compiled bytes via the configured AssemblyLoader, executes the function,
// and records usage before returning the response body (or error) the
// gateway turns into an HTTP response.
func (r *Runtime) Invoke(ctx context.Context, stackID clusterid.StackID, assembly, functionName string, memoryLimit uint64, request []byte) ([]byte, error) {
	wasmBytes, err := r.assemblies.LoadAssembly(ctx, stackID, assembly)
	if err != nil {
		return nil, err
	}
	response, usage, err := r.Execute(ctx, stackID, assembly, functionName, wasmBytes, memoryLimit, request)
	if r.usage != nil {
		r.usage.Record(stackID, usage, err != nil)
	}
	return response, err
}

// Execute loads (or fetches from cache) the module for (stackID, assembly),
// instantiates it with a fresh store and metering budget, and drives one
// request/response invocation to completion.
func (r *Runtime) Execute(ctx context.Context, stackID clusterid.StackID, assembly, functionName string, wasmBytes []byte, memoryLimit uint64, request []byte) ([]byte, Usage, error) {
	// The hot invocation path logs through zap rather than logrus: it runs
	// once per request, and the sugared API avoids the per-call field
	// allocation logrus.WithFields would add here.
	hotLog := zap.L().Sugar()
	start := time.Now()

	key := moduleCacheKey{StackID: stackID, Assembly: assembly}
	mod, err := r.cache.load(key, wasmBytes, memoryLimit)
	if err != nil {
		hotLog.Errorf("compile module %s/%s failed: %v", stackID, assembly, err)
		return nil, Usage{}, fmt.Errorf("runtime: compile module: %w", err)
	}

	if declaredMin, ok := declaredMinMemoryBytes(mod); ok && declaredMin > memoryLimit {
		return nil, Usage{}, ErrMaximumMemoryExceeded
	}

	store := wasmer.NewStore(r.engine)
	// No re-parse against the per-invocation store: a Module is tied to the
	// Engine, not the Store, so the cached Module is reused directly.
	hctx := &hostCtx{
		stdin:        newPipe(),
		stdout:       newPipe(),
		stderr:       newPipe(),
		gasRemaining: math.MaxUint64,
	}
	imports := registerHost(store, hctx)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("runtime: instantiate: %w", err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, Usage{}, fmt.Errorf("runtime: module does not export memory: %w", err)
	}
	hctx.mem = mem

	startFn, err := instance.Exports.GetFunction("_start")
	if err != nil {
		return nil, Usage{}, ErrMissingStartFunction
	}
	initFn, _ := instance.Exports.GetFunction("_initialize")

	execMsg, err := protocol.Encode(protocol.KindExecuteFunction, protocol.ExecuteFunction{
		FunctionName: functionName,
		Request:      request,
	})
	if err != nil {
		return nil, Usage{}, err
	}
	hctx.stdin.write(encodeFrame(execMsg))

	done := make(chan error, 1)
	go func() {
		if initFn != nil {
			if _, initErr := initFn(); initErr != nil {
				hctx.stdout.close()
				done <- initErr
				return
			}
		}
		_, startErr := startFn()
		hctx.stdout.close()
		done <- startErr
	}()

	response, usage, execErr := r.pumpHostCalls(ctx, stackID, hctx)
	// No more replies are coming; a guest blocked on stdin sees EOF and can
	// exit, so the wait below doesn't stall on pump-side errors.
	hctx.stdin.close()

	select {
	case startErr := <-done:
		if startErr != nil && execErr == nil {
			execErr = fmt.Errorf("runtime: instance trapped: %w", startErr)
		}
	case <-ctx.Done():
		execErr = ctx.Err()
	}

	usage.FunctionInstructions = instructionsUsed(hctx)
	usage.MemoryMegabytes = memoryLimit / bytesPerMegabyte

	if execErr != nil {
		hotLog.Errorf("invoke %s/%s/%s failed after %s: %v", stackID, assembly, functionName, time.Since(start), execErr)
	} else {
		hotLog.Infof("invoke %s/%s/%s took %s, %d instructions", stackID, assembly, functionName, time.Since(start), usage.FunctionInstructions)
	}

	return response, usage, execErr
}

// pumpHostCalls reads guest->host frames from stdout until a FunctionResult,
// FatalError, or pipe close, dispatching host-call requests synchronously
// and feeding their responses back over stdin. Every dispatched host call
// debits gasPerHostCall from the invocation's budget first; an exhausted
// budget fails the invocation instead of running the call, and so does a
// cancelled ctx.
func (r *Runtime) pumpHostCalls(ctx context.Context, stackID clusterid.StackID, hctx *hostCtx) ([]byte, Usage, error) {
	var usage Usage
	for {
		raw, ok := hctx.stdout.read()
		if !ok {
			return nil, usage, ErrFunctionDidntTerminateCleanly
		}
		msg, err := decodeFrame(raw)
		if err != nil {
			return nil, usage, fmt.Errorf("runtime: malformed guest frame: %w", err)
		}

		switch msg.Kind {
		case protocol.KindFunctionResult:
			var fr protocol.FunctionResult
			if err := protocol.Decode(msg, &fr); err != nil {
				return nil, usage, fmt.Errorf("runtime: decode FunctionResult: %w", err)
			}
			return fr.Response, usage, nil

		case protocol.KindFatalError:
			var fe protocol.FatalError
			_ = protocol.Decode(msg, &fe)
			return nil, usage, fmt.Errorf("runtime: function reported fatal error: %s", fe.Message)

		case protocol.KindLog:
			if r.includeLogs {
				var lg protocol.Log
				if err := protocol.Decode(msg, &lg); err == nil {
					r.log.WithField("level", lg.Level).Info(lg.Message)
				}
			}

		default:
			if err := ctx.Err(); err != nil {
				return nil, usage, err
			}
			if hctx.consumeGas(gasPerHostCall) != 0 {
				return nil, usage, ErrGasExhausted
			}
			reply := r.host.Handle(ctx, stackID, msg)
			countUsage(&usage, msg.Kind)
			hctx.stdin.write(encodeFrame(reply))
		}
	}
}

func countUsage(u *Usage, kind protocol.Kind) {
	switch kind {
	case protocol.KindKVGet, protocol.KindKVScan, protocol.KindKVScanKeys,
		protocol.KindKVBatchGet, protocol.KindKVBatchScan, protocol.KindKVBatchScanKeys, protocol.KindKVTableList:
		u.DBWeakReads++
	case protocol.KindKVPut, protocol.KindKVDelete, protocol.KindKVDeleteByPrefix,
		protocol.KindKVBatchPut, protocol.KindKVBatchDelete, protocol.KindKVCompareAndSwap:
		u.DBWeakWrites++
	}
}

func instructionsUsed(h *hostCtx) uint64 {
	if h.gasExhausted {
		return math.MaxUint64
	}
	return math.MaxUint64 - h.gasRemaining
}

// declaredMinMemoryBytes inspects the module's exported memory type for its
// declared minimum, in bytes. Modules that don't export a memory (unusual,
// but not structurally invalid before instantiation) report ok=false and the
// caller skips the check; GetMemory at instantiation time will fail instead.
func declaredMinMemoryBytes(mod *wasmer.Module) (uint64, bool) {
	for _, exp := range mod.Exports() {
		memType := exp.Type().IntoMemoryType()
		if memType == nil {
			continue
		}
		return uint64(memType.Limits().Minimum()) * bytesPerPage, true
	}
	return 0, false
}

func encodeFrame(msg protocol.Message) []byte {
	// Frames exchanged over the in-process pipes reuse protocol.Message's
	// wire shape (4-byte length + kind byte + payload) so the same framing
	// logic serves both the pipe boundary and any future real subprocess
	// transport.
	buf := make([]byte, 0, 5+len(msg.Payload))
	var lenBytes [4]byte
	total := len(msg.Payload) + 1
	lenBytes[0] = byte(total >> 24)
	lenBytes[1] = byte(total >> 16)
	lenBytes[2] = byte(total >> 8)
	lenBytes[3] = byte(total)
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, byte(msg.Kind))
	buf = append(buf, msg.Payload...)
	return buf
}

func decodeFrame(b []byte) (protocol.Message, error) {
	if len(b) < 5 {
		return protocol.Message{}, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	return protocol.Message{Kind: protocol.Kind(b[4]), Payload: b[5:]}, nil
}
