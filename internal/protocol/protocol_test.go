package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTripExecuteFunction(t *testing.T) {
	msg, err := Encode(KindExecuteFunction, ExecuteFunction{FunctionName: "handle", Request: []byte("hello")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Kind != KindExecuteFunction {
		t.Fatalf("kind = %v, want KindExecuteFunction", got.Kind)
	}

	var ef ExecuteFunction
	if err := Decode(got, &ef); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ef.FunctionName != "handle" || string(ef.Request) != "hello" {
		t.Fatalf("unexpected payload: %+v", ef)
	}
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer

	m1, _ := Encode(KindLog, Log{Level: "info", Message: "starting"})
	m2, _ := Encode(KindFunctionResult, FunctionResult{Response: []byte("done")})
	if err := WriteMessage(&buf, m1); err != nil {
		t.Fatalf("write m1: %v", err)
	}
	if err := WriteMessage(&buf, m2); err != nil {
		t.Fatalf("write m2: %v", err)
	}

	got1, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read m1: %v", err)
	}
	if got1.Kind != KindLog {
		t.Fatalf("expected KindLog first, got %v", got1.Kind)
	}

	got2, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read m2: %v", err)
	}
	if got2.Kind != KindFunctionResult {
		t.Fatalf("expected KindFunctionResult second, got %v", got2.Kind)
	}

	var fr FunctionResult
	if err := Decode(got2, &fr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(fr.Response) != "done" {
		t.Fatalf("response = %q, want done", fr.Response)
	}
}

func TestReadMessageEOFOnCleanClose(t *testing.T) {
	buf := &bytes.Buffer{}
	_, err := ReadMessage(buf)
	if err != io.EOF {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xFF
	lenBuf[1] = 0xFF
	lenBuf[2] = 0xFF
	lenBuf[3] = 0xFF
	buf := bytes.NewBuffer(lenBuf[:])
	if _, err := ReadMessage(buf); err == nil {
		t.Fatalf("expected rejection of oversized frame length")
	}
}

func TestCasResultRoundTrip(t *testing.T) {
	msg, err := Encode(KindCasResult, CasResult{Previous: []byte("old"), HadValue: true, DidSwap: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var cr CasResult
	if err := Decode(got, &cr); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !cr.DidSwap || !cr.HadValue || string(cr.Previous) != "old" {
		t.Fatalf("unexpected CasResult: %+v", cr)
	}
}
