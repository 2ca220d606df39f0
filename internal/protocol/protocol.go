// Package protocol implements the length-delimited host/guest message
// protocol the runtime speaks with a running WASM instance over its
// stdin/stdout pipes. Every message is a 4-byte big-endian length prefix
// followed by a gob-encoded tagged union (see DESIGN.md for the codec
// choice).
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame, guarding against a guest writing a
// corrupt or hostile length prefix.
const MaxMessageSize = 64 << 20 // 64 MiB

// Kind discriminates the tagged-union payload carried by a Message.
type Kind uint8

const (
	KindExecuteFunction Kind = iota
	KindFunctionResult
	KindFatalError
	KindLog
	KindKVPut
	KindKVGet
	KindKVDelete
	KindKVDeleteByPrefix
	KindKVScan
	KindKVScanKeys
	KindKVBatchPut
	KindKVBatchGet
	KindKVBatchDelete
	KindKVBatchScan
	KindKVBatchScanKeys
	KindKVCompareAndSwap
	KindKVTableList
	KindHTTPClientRequest
	KindStoragePut
	KindStorageGet
	KindStorageDelete
	KindStorageList

	// Host -> guest response variants.
	KindEmptyResult
	KindSingleResult
	KindListResult
	KindKeyValueListResult
	KindTableKeyListResult
	KindTableKeyValueListResult
	KindCasResult
	KindDBError
	KindHTTPResponse
)

// ExecuteFunction is the host->guest request that kicks off an invocation.
type ExecuteFunction struct {
	FunctionName string
	Request      []byte
}

// FunctionRequest is the decoded HTTP request shape the gateway builds and
// gob-encodes into ExecuteFunction.Request: the raw body plus everything
// the gateway's path/query resolution produced, so a guest function can
// recover path parameters without the host needing a richer wire message.
type FunctionRequest struct {
	Method     string
	Path       string
	PathParams map[string]string
	Query      map[string][]string
	Headers    map[string][]string
	Body       []byte
}

// EncodeFunctionRequest gob-encodes fr for embedding as an
// ExecuteFunction.Request payload.
func EncodeFunctionRequest(fr FunctionRequest) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fr); err != nil {
		return nil, fmt.Errorf("protocol: encode FunctionRequest: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFunctionRequest reverses EncodeFunctionRequest.
func DecodeFunctionRequest(b []byte) (FunctionRequest, error) {
	var fr FunctionRequest
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&fr); err != nil {
		return FunctionRequest{}, fmt.Errorf("protocol: decode FunctionRequest: %w", err)
	}
	return fr, nil
}

// FunctionResult is the guest->host clean-termination response.
type FunctionResult struct {
	Response []byte
}

// FatalError is a guest->host user-visible function failure.
type FatalError struct {
	Message string
}

// Log is a guest->host structured log line.
type Log struct {
	Level   string
	Message string
}

// KVRequest carries every KV host-call variant's arguments; which fields are
// meaningful depends on Kind.
type KVRequest struct {
	Table   string
	Key     []byte
	Value   []byte
	Prefix  []byte
	Expect  []byte // CompareAndSwap: expected previous value (nil means "must not exist")
	Keys    [][]byte
	KeyVals map[string][]byte
	Limit   int
}

// StorageRequest carries every object-storage host-call variant's
// arguments; which fields are meaningful depends on Kind, mirroring
// KVRequest's one-struct-per-domain shape.
type StorageRequest struct {
	StorageName string
	Key         string
	Value       []byte
}

// HTTPClientRequest is the guest->host outbound HTTP call.
type HTTPClientRequest struct {
	Method  string
	URL     string
	Headers map[string][]string
	Body    []byte
}

// HTTPClientResponse is the host->guest reply to HTTPClientRequest.
type HTTPClientResponse struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// EmptyResult acknowledges a host-call with no payload (Put, Delete, ...).
type EmptyResult struct{}

// SingleResult carries one value (Get).
type SingleResult struct {
	Value   []byte
	Present bool
}

// ListResult carries a list of opaque values (ScanKeys, BatchGet values).
type ListResult struct {
	Values [][]byte
}

// KeyValueListResult carries key/value pairs (Scan).
type KeyValueListResult struct {
	Keys   [][]byte
	Values [][]byte
}

// TableKeyListResult carries table names (TableList).
type TableKeyListResult struct {
	Names []string
}

// TableKeyValueListResult carries per-table key/value batches. KVHost does
// not produce it: BatchScan and BatchScanKeys get the same single-table
// replies as Scan and ScanKeys.
type TableKeyValueListResult struct {
	Tables []string
	Keys   [][]byte
	Values [][]byte
}

// CasResult is the host->guest reply to CompareAndSwap.
type CasResult struct {
	Previous []byte
	HadValue bool
	DidSwap  bool
}

// DBError reports a KV host-call failure back to the guest.
type DBError struct {
	Message string
}

// Message is one frame: a Kind discriminator plus the gob-encoded payload
// matching that Kind.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Encode gob-encodes payload and wraps it as a Message with the given Kind.
func Encode(kind Kind, payload any) (Message, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return Message{}, fmt.Errorf("protocol: encode payload for kind %d: %w", kind, err)
	}
	return Message{Kind: kind, Payload: buf.Bytes()}, nil
}

// Decode gob-decodes a Message's payload into dst, which must be a pointer
// to the type matching the Message's Kind.
func Decode(msg Message, dst any) error {
	return gob.NewDecoder(bytes.NewReader(msg.Payload)).Decode(dst)
}

// WriteMessage writes one length-delimited frame to w: a 4-byte big-endian
// total length, a 1-byte Kind, then the payload.
func WriteMessage(w io.Writer, msg Message) error {
	if len(msg.Payload) > MaxMessageSize {
		return fmt.Errorf("protocol: message of %d bytes exceeds max %d", len(msg.Payload), MaxMessageSize)
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(msg.Payload)+1))
	header[4] = byte(msg.Kind)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(msg.Payload) == 0 {
		return nil
	}
	_, err := w.Write(msg.Payload)
	return err
}

// ReadMessage reads one length-delimited frame from r. io.EOF is returned
// unwrapped when r is closed before any bytes of a new frame arrive, so
// callers can distinguish a clean stream close from a truncated frame.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("protocol: truncated frame header: %w", err)
		}
		return Message{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total == 0 {
		return Message{}, fmt.Errorf("protocol: zero-length frame missing kind byte")
	}
	if total > MaxMessageSize {
		return Message{}, fmt.Errorf("protocol: frame of %d bytes exceeds max %d", total, MaxMessageSize)
	}
	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("protocol: truncated frame body: %w", err)
	}
	return Message{Kind: Kind(body[0]), Payload: body[1:]}, nil
}
