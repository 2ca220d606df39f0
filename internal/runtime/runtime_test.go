package runtime

import (
	"math"
	"testing"

	"github.com/synnergy-mu/cluster/internal/protocol"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	msg, err := protocol.Encode(protocol.KindLog, protocol.Log{Level: "info", Message: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := encodeFrame(msg)
	got, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if got.Kind != protocol.KindLog {
		t.Fatalf("kind = %v, want KindLog", got.Kind)
	}
	var lg protocol.Log
	if err := protocol.Decode(got, &lg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if lg.Message != "hi" {
		t.Fatalf("message = %q, want hi", lg.Message)
	}
}

func TestInstructionsUsedCleanTermination(t *testing.T) {
	h := &hostCtx{gasRemaining: math.MaxUint64 - 100}
	if got := instructionsUsed(h); got != 100 {
		t.Fatalf("instructionsUsed = %d, want 100", got)
	}
}

func TestInstructionsUsedExhausted(t *testing.T) {
	h := &hostCtx{gasExhausted: true}
	if got := instructionsUsed(h); got != math.MaxUint64 {
		t.Fatalf("instructionsUsed = %d, want MaxUint64", got)
	}
}

func TestConsumeGasExhaustion(t *testing.T) {
	h := &hostCtx{gasRemaining: 10}
	if rc := h.consumeGas(5); rc != 0 {
		t.Fatalf("consumeGas(5) = %d, want 0", rc)
	}
	if h.gasRemaining != 5 {
		t.Fatalf("gasRemaining = %d, want 5", h.gasRemaining)
	}
	if rc := h.consumeGas(100); rc != -1 {
		t.Fatalf("consumeGas(100) = %d, want -1 on exhaustion", rc)
	}
	if !h.gasExhausted {
		t.Fatalf("expected gasExhausted=true")
	}
	if rc := h.consumeGas(1); rc != -1 {
		t.Fatalf("consumeGas after exhaustion should keep returning -1, got %d", rc)
	}
}

func TestCountUsage(t *testing.T) {
	var u Usage
	countUsage(&u, protocol.KindKVGet)
	countUsage(&u, protocol.KindKVPut)
	countUsage(&u, protocol.KindKVScan)
	countUsage(&u, protocol.KindHTTPClientRequest)

	if u.DBWeakReads != 2 {
		t.Fatalf("DBWeakReads = %d, want 2", u.DBWeakReads)
	}
	if u.DBWeakWrites != 1 {
		t.Fatalf("DBWeakWrites = %d, want 1", u.DBWeakWrites)
	}
}

func TestContentHashStableAndDistinct(t *testing.T) {
	a := contentHash([]byte("module-a"))
	b := contentHash([]byte("module-a"))
	c := contentHash([]byte("module-b"))
	if a != b {
		t.Fatalf("contentHash not stable: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("contentHash collided for distinct inputs")
	}
}
