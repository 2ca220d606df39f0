package runtime

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/kv"
	"github.com/synnergy-mu/cluster/internal/protocol"
)

// ObjectStorage is the narrow surface KVHost needs from
// internal/objectstorage.Storage to serve a guest's storage host-calls.
type ObjectStorage interface {
	Put(ctx context.Context, stackID clusterid.StackID, storageName, key string, value []byte) error
	Get(ctx context.Context, stackID clusterid.StackID, storageName, key string) ([]byte, bool, error)
	Delete(ctx context.Context, stackID clusterid.StackID, storageName, key string) error
	List(ctx context.Context, stackID clusterid.StackID, storageName string) ([]string, error)
}

// KVHost implements HostCallHandler by dispatching every guest-initiated
// host-call message to the KV client, object storage, or a plain HTTP
// client, keyed by message Kind. Storage is optional: a nil Storage answers
// storage host-calls with DBError, for deployments that don't wire an
// object store.
type KVHost struct {
	KV      kv.Client
	Storage ObjectStorage
	HTTP    *http.Client
}

// NewKVHost constructs a KVHost, falling back to http.DefaultClient (which
// sets no timeout of its own) if httpClient is nil.
func NewKVHost(client kv.Client, storage ObjectStorage, httpClient *http.Client) *KVHost {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &KVHost{KV: client, Storage: storage, HTTP: httpClient}
}

// Handle satisfies runtime.HostCallHandler.
func (h *KVHost) Handle(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	switch msg.Kind {
	case protocol.KindKVPut:
		return h.handlePut(ctx, stackID, msg, true)
	case protocol.KindKVBatchPut:
		return h.handleBatchPut(ctx, stackID, msg, true)
	case protocol.KindKVGet:
		return h.handleGet(ctx, stackID, msg)
	case protocol.KindKVBatchGet:
		return h.handleBatchGet(ctx, stackID, msg)
	case protocol.KindKVDelete:
		return h.handleDelete(ctx, stackID, msg, true)
	case protocol.KindKVBatchDelete:
		return h.handleBatchDelete(ctx, stackID, msg, true)
	case protocol.KindKVDeleteByPrefix:
		return h.handleDeleteByPrefix(ctx, stackID, msg)
	case protocol.KindKVScan:
		return h.handleScan(ctx, stackID, msg)
	case protocol.KindKVScanKeys:
		return h.handleScanKeys(ctx, stackID, msg)
	case protocol.KindKVBatchScan:
		return h.handleScan(ctx, stackID, msg)
	case protocol.KindKVBatchScanKeys:
		return h.handleScanKeys(ctx, stackID, msg)
	case protocol.KindKVCompareAndSwap:
		return h.handleCompareAndSwap(ctx, stackID, msg)
	case protocol.KindKVTableList:
		return h.handleTableList(ctx, stackID, msg)
	case protocol.KindHTTPClientRequest:
		return h.handleHTTP(ctx, msg)
	case protocol.KindStoragePut:
		return h.handleStoragePut(ctx, stackID, msg)
	case protocol.KindStorageGet:
		return h.handleStorageGet(ctx, stackID, msg)
	case protocol.KindStorageDelete:
		return h.handleStorageDelete(ctx, stackID, msg)
	case protocol.KindStorageList:
		return h.handleStorageList(ctx, stackID, msg)
	default:
		return dbError("runtime: unknown host-call kind")
	}
}

func dbError(msg string) protocol.Message {
	out, err := protocol.Encode(protocol.KindDBError, protocol.DBError{Message: msg})
	if err != nil {
		// Encode of a plain string-bearing struct cannot fail; this branch
		// only guards against a future payload change.
		return protocol.Message{Kind: protocol.KindDBError}
	}
	return out
}

func reply(kind protocol.Kind, payload any) protocol.Message {
	out, err := protocol.Encode(kind, payload)
	if err != nil {
		return dbError(err.Error())
	}
	return out
}

func decodeKV(msg protocol.Message) (protocol.KVRequest, bool) {
	var req protocol.KVRequest
	if err := protocol.Decode(msg, &req); err != nil {
		return protocol.KVRequest{}, false
	}
	return req, true
}

func (h *KVHost) handlePut(ctx context.Context, stackID clusterid.StackID, msg protocol.Message, atomic bool) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed Put request")
	}
	if err := h.KV.Put(ctx, stackID, req.Table, req.Key, req.Value, atomic); err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindEmptyResult, protocol.EmptyResult{})
}

func (h *KVHost) handleBatchPut(ctx context.Context, stackID clusterid.StackID, msg protocol.Message, atomic bool) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed BatchPut request")
	}
	kvs := make([]kv.KeyValue, 0, len(req.KeyVals))
	for k, v := range req.KeyVals {
		kvs = append(kvs, kv.KeyValue{Key: []byte(k), Value: v})
	}
	if err := h.KV.BatchPut(ctx, stackID, req.Table, kvs, atomic); err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindEmptyResult, protocol.EmptyResult{})
}

func (h *KVHost) handleGet(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed Get request")
	}
	value, present, err := h.KV.Get(ctx, stackID, req.Table, req.Key)
	if err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindSingleResult, protocol.SingleResult{Value: value, Present: present})
}

func (h *KVHost) handleBatchGet(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed BatchGet request")
	}
	rows, err := h.KV.BatchGet(ctx, stackID, req.Table, req.Keys)
	if err != nil {
		return dbError(err.Error())
	}
	values := make([][]byte, len(rows))
	for i, kv := range rows {
		values[i] = kv.Value
	}
	return reply(protocol.KindListResult, protocol.ListResult{Values: values})
}

func (h *KVHost) handleDelete(ctx context.Context, stackID clusterid.StackID, msg protocol.Message, atomic bool) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed Delete request")
	}
	if err := h.KV.Delete(ctx, stackID, req.Table, req.Key, atomic); err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindEmptyResult, protocol.EmptyResult{})
}

func (h *KVHost) handleBatchDelete(ctx context.Context, stackID clusterid.StackID, msg protocol.Message, atomic bool) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed BatchDelete request")
	}
	if err := h.KV.BatchDelete(ctx, stackID, req.Table, req.Keys, atomic); err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindEmptyResult, protocol.EmptyResult{})
}

func (h *KVHost) handleDeleteByPrefix(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed DeleteByPrefix request")
	}
	if err := h.KV.DeleteByPrefix(ctx, stackID, req.Table, req.Prefix); err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindEmptyResult, protocol.EmptyResult{})
}

func (h *KVHost) handleScan(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed Scan request")
	}
	rows, err := h.KV.Scan(ctx, kv.ScanSpec{StackID: stackID, Table: req.Table, InnerKeyPrefix: req.Prefix}, req.Limit)
	if err != nil {
		return dbError(err.Error())
	}
	keys := make([][]byte, len(rows))
	values := make([][]byte, len(rows))
	for i, r := range rows {
		keys[i], values[i] = r.Key, r.Value
	}
	return reply(protocol.KindKeyValueListResult, protocol.KeyValueListResult{Keys: keys, Values: values})
}

func (h *KVHost) handleScanKeys(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed ScanKeys request")
	}
	keys, err := h.KV.ScanKeys(ctx, kv.ScanSpec{StackID: stackID, Table: req.Table, InnerKeyPrefix: req.Prefix}, req.Limit)
	if err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindListResult, protocol.ListResult{Values: keys})
}

func (h *KVHost) handleCompareAndSwap(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed CompareAndSwap request")
	}
	result, err := h.KV.CompareAndSwap(ctx, stackID, req.Table, req.Key, req.Expect, req.Value)
	if err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindCasResult, protocol.CasResult{
		Previous: result.PreviousObserved,
		HadValue: result.PreviousObserved != nil,
		DidSwap:  result.DidSwap,
	})
}

func (h *KVHost) handleTableList(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	req, ok := decodeKV(msg)
	if !ok {
		return dbError("runtime: malformed TableList request")
	}
	names, err := h.KV.TableList(ctx, stackID, string(req.Prefix))
	if err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindTableKeyListResult, protocol.TableKeyListResult{Names: names})
}

func (h *KVHost) handleHTTP(ctx context.Context, msg protocol.Message) protocol.Message {
	var req protocol.HTTPClientRequest
	if err := protocol.Decode(msg, &req); err != nil {
		return dbError("runtime: malformed HTTP request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, strings.NewReader(string(req.Body)))
	if err != nil {
		return dbError(err.Error())
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := h.HTTP.Do(httpReq)
	if err != nil {
		return dbError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(protocol.MaxMessageSize)))
	if err != nil {
		return dbError(err.Error())
	}

	headers := make(map[string][]string, len(resp.Header))
	for k, vs := range resp.Header {
		headers[k] = vs
	}
	return reply(protocol.KindHTTPResponse, protocol.HTTPClientResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	})
}

func decodeStorage(msg protocol.Message) (protocol.StorageRequest, bool) {
	var req protocol.StorageRequest
	if err := protocol.Decode(msg, &req); err != nil {
		return protocol.StorageRequest{}, false
	}
	return req, true
}

func (h *KVHost) handleStoragePut(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	if h.Storage == nil {
		return dbError("runtime: object storage not configured")
	}
	req, ok := decodeStorage(msg)
	if !ok {
		return dbError("runtime: malformed storage Put request")
	}
	if err := h.Storage.Put(ctx, stackID, req.StorageName, req.Key, req.Value); err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindEmptyResult, protocol.EmptyResult{})
}

func (h *KVHost) handleStorageGet(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	if h.Storage == nil {
		return dbError("runtime: object storage not configured")
	}
	req, ok := decodeStorage(msg)
	if !ok {
		return dbError("runtime: malformed storage Get request")
	}
	value, present, err := h.Storage.Get(ctx, stackID, req.StorageName, req.Key)
	if err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindSingleResult, protocol.SingleResult{Value: value, Present: present})
}

func (h *KVHost) handleStorageDelete(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	if h.Storage == nil {
		return dbError("runtime: object storage not configured")
	}
	req, ok := decodeStorage(msg)
	if !ok {
		return dbError("runtime: malformed storage Delete request")
	}
	if err := h.Storage.Delete(ctx, stackID, req.StorageName, req.Key); err != nil {
		return dbError(err.Error())
	}
	return reply(protocol.KindEmptyResult, protocol.EmptyResult{})
}

func (h *KVHost) handleStorageList(ctx context.Context, stackID clusterid.StackID, msg protocol.Message) protocol.Message {
	if h.Storage == nil {
		return dbError("runtime: object storage not configured")
	}
	req, ok := decodeStorage(msg)
	if !ok {
		return dbError("runtime: malformed storage List request")
	}
	keys, err := h.Storage.List(ctx, stackID, req.StorageName)
	if err != nil {
		return dbError(err.Error())
	}
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = []byte(k)
	}
	return reply(protocol.KindListResult, protocol.ListResult{Values: values})
}
