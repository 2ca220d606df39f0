package kv

import (
	"bytes"
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// EtcdClient implements Client against a real go.etcd.io/etcd/client/v3
// cluster. It is the production backend; MemClient stands in for it in
// tests. Atomic operations route through clientv3.Txn (etcd's native
// compare-and-swap is revision-based, not byte-equality-based; see
// DESIGN.md for how CompareAndSwap bridges the two); non-atomic operations
// use the plain KV calls for throughput.
type EtcdClient struct {
	cli *clientv3.Client
}

// NewEtcdClient wraps an already-connected etcd client.
func NewEtcdClient(cli *clientv3.Client) *EtcdClient {
	return &EtcdClient{cli: cli}
}

var _ Client = (*EtcdClient)(nil)

func (e *EtcdClient) UpdateStackTables(ctx context.Context, stackID clusterid.StackID, tableNames []string) error {
	for _, name := range tableNames {
		if err := validateTableName(name); err != nil {
			return err
		}
		key, err := (TableListKey{StackID: stackID, TableName: name}).Encode()
		if err != nil {
			return err
		}
		// Only write if absent: existing tables must not be re-written.
		txn := e.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(string(key)), "=", 0)).
			Then(clientv3.OpPut(string(key), ""))
		if _, err := txn.Commit(); err != nil {
			return fmt.Errorf("kv: update stack tables: %w", err)
		}
	}
	return nil
}

func (e *EtcdClient) hasTable(ctx context.Context, stackID clusterid.StackID, table string) (bool, error) {
	key, err := (TableListKey{StackID: stackID, TableName: table}).Encode()
	if err != nil {
		return false, err
	}
	resp, err := e.cli.Get(ctx, string(key))
	if err != nil {
		return false, err
	}
	return len(resp.Kvs) > 0, nil
}

func (e *EtcdClient) Put(ctx context.Context, stackID clusterid.StackID, table string, key, value []byte, atomic bool) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	ok, err := e.hasTable(ctx, stackID, table)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStackOrTableNotFound
	}
	rk, err := (RowKey{StackID: stackID, TableName: table, UserKey: key}).Encode()
	if err != nil {
		return err
	}
	if atomic {
		_, err := e.cli.Txn(ctx).Then(clientv3.OpPut(string(rk), string(value))).Commit()
		return err
	}
	_, err = e.cli.Put(ctx, string(rk), string(value))
	return err
}

func (e *EtcdClient) Get(ctx context.Context, stackID clusterid.StackID, table string, key []byte) ([]byte, bool, error) {
	rk, err := (RowKey{StackID: stackID, TableName: table, UserKey: key}).Encode()
	if err != nil {
		return nil, false, err
	}
	resp, err := e.cli.Get(ctx, string(rk))
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (e *EtcdClient) Delete(ctx context.Context, stackID clusterid.StackID, table string, key []byte, atomic bool) error {
	rk, err := (RowKey{StackID: stackID, TableName: table, UserKey: key}).Encode()
	if err != nil {
		return err
	}
	if atomic {
		_, err := e.cli.Txn(ctx).Then(clientv3.OpDelete(string(rk))).Commit()
		return err
	}
	_, err = e.cli.Delete(ctx, string(rk))
	return err
}

func (e *EtcdClient) deleteRange(ctx context.Context, prefix []byte) error {
	end, unbounded := PrefixRangeEnd(prefix)
	opts := []clientv3.OpOption{}
	if unbounded {
		opts = append(opts, clientv3.WithFromKey())
	} else {
		opts = append(opts, clientv3.WithRange(string(end)))
	}
	_, err := e.cli.Delete(ctx, string(prefix), opts...)
	return err
}

func (e *EtcdClient) DeleteByPrefix(ctx context.Context, stackID clusterid.StackID, table string, userKeyPrefix []byte) error {
	prefix, err := userRowKey(stackID, table, userKeyPrefix)
	if err != nil {
		return err
	}
	return e.deleteRange(ctx, prefix)
}

func (e *EtcdClient) ClearTable(ctx context.Context, stackID clusterid.StackID, table string) error {
	return e.DeleteByPrefix(ctx, stackID, table, nil)
}

func (e *EtcdClient) scanRange(ctx context.Context, prefix []byte, limit int) ([]KeyValue, error) {
	end, unbounded := PrefixRangeEnd(prefix)
	opts := []clientv3.OpOption{clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend)}
	if unbounded {
		opts = append(opts, clientv3.WithFromKey())
	} else {
		opts = append(opts, clientv3.WithRange(string(end)))
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	resp, err := e.cli.Get(ctx, string(prefix), opts...)
	if err != nil {
		return nil, err
	}
	out := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KeyValue{Key: kv.Key, Value: kv.Value})
	}
	return out, nil
}

func (e *EtcdClient) Scan(ctx context.Context, spec ScanSpec, limit int) ([]KeyValue, error) {
	prefix, err := userRowKey(spec.StackID, spec.Table, spec.InnerKeyPrefix)
	if err != nil {
		return nil, err
	}
	return e.scanRange(ctx, prefix, limit)
}

func (e *EtcdClient) ScanKeys(ctx context.Context, spec ScanSpec, limit int) ([][]byte, error) {
	kvs, err := e.Scan(ctx, spec, limit)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Key
	}
	return out, nil
}

func (e *EtcdClient) TableList(ctx context.Context, stackID clusterid.StackID, prefix string) ([]string, error) {
	base, err := tableMetadataKey(stackID, "")
	if err != nil {
		return nil, err
	}
	kvs, err := e.scanRange(ctx, base, 0)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, kv := range kvs {
		tlk, err := DecodeTableListKey(Key(kv.Key))
		if err != nil {
			continue
		}
		if prefix != "" && !bytes.HasPrefix([]byte(tlk.TableName), []byte(prefix)) {
			continue
		}
		names = append(names, tlk.TableName)
	}
	return names, nil
}

func (e *EtcdClient) StackIDList(ctx context.Context) ([]clusterid.StackID, error) {
	kvs, err := e.scanRange(ctx, MetadataPrefix(), 0)
	if err != nil {
		return nil, err
	}
	seen := map[clusterid.StackID]bool{}
	var ids []clusterid.StackID
	for _, kv := range kvs {
		tlk, err := DecodeTableListKey(Key(kv.Key))
		if err != nil {
			continue
		}
		if !seen[tlk.StackID] {
			seen[tlk.StackID] = true
			ids = append(ids, tlk.StackID)
		}
	}
	return ids, nil
}

func (e *EtcdClient) BatchPut(ctx context.Context, stackID clusterid.StackID, table string, kvs []KeyValue, atomic bool) error {
	for _, kv := range kvs {
		if err := e.Put(ctx, stackID, table, kv.Key, kv.Value, atomic); err != nil {
			return err
		}
	}
	return nil
}

func (e *EtcdClient) BatchGet(ctx context.Context, stackID clusterid.StackID, table string, keys [][]byte) ([]KeyValue, error) {
	out := make([]KeyValue, 0, len(keys))
	for _, key := range keys {
		v, ok, err := e.Get(ctx, stackID, table, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, KeyValue{Key: key, Value: v})
		}
	}
	return out, nil
}

func (e *EtcdClient) BatchDelete(ctx context.Context, stackID clusterid.StackID, table string, keys [][]byte, atomic bool) error {
	for _, key := range keys {
		if err := e.Delete(ctx, stackID, table, key, atomic); err != nil {
			return err
		}
	}
	return nil
}

// casTxn implements a byte-equality compare-and-swap on top of etcd's
// revision-based Txn: it reads the current value, issues a Txn guarded by
// the observed mod_revision, and reports a lost race back to the caller,
// who decides whether to retry.
func (e *EtcdClient) casTxn(ctx context.Context, key string, previous, newValue []byte) (CompareAndSwapResult, error) {
	resp, err := e.cli.Get(ctx, key)
	if err != nil {
		return CompareAndSwapResult{}, err
	}
	var modRev int64
	var cur []byte
	if len(resp.Kvs) > 0 {
		modRev = resp.Kvs[0].ModRevision
		cur = resp.Kvs[0].Value
	}
	if !bytes.Equal(cur, previous) {
		return CompareAndSwapResult{PreviousObserved: cur, DidSwap: false}, nil
	}
	txn := e.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
		Then(clientv3.OpPut(key, string(newValue))).
		Else(clientv3.OpGet(key))
	txnResp, err := txn.Commit()
	if err != nil {
		return CompareAndSwapResult{}, err
	}
	if txnResp.Succeeded {
		return CompareAndSwapResult{PreviousObserved: cur, DidSwap: true}, nil
	}
	// Lost the race: report whatever is there now as the observed value.
	var now []byte
	if len(txnResp.Responses) > 0 {
		if getResp := txnResp.Responses[0].GetResponseRange(); getResp != nil && len(getResp.Kvs) > 0 {
			now = getResp.Kvs[0].Value
		}
	}
	return CompareAndSwapResult{PreviousObserved: now, DidSwap: false}, nil
}

func (e *EtcdClient) CompareAndSwap(ctx context.Context, stackID clusterid.StackID, table string, key, previous, newValue []byte) (CompareAndSwapResult, error) {
	ok, err := e.hasTable(ctx, stackID, table)
	if err != nil {
		return CompareAndSwapResult{}, err
	}
	if !ok {
		return CompareAndSwapResult{}, ErrStackOrTableNotFound
	}
	rk, err := (RowKey{StackID: stackID, TableName: table, UserKey: key}).Encode()
	if err != nil {
		return CompareAndSwapResult{}, err
	}
	return e.casTxn(ctx, string(rk), previous, newValue)
}

func (e *EtcdClient) RawPut(ctx context.Context, key, value []byte, atomic bool) error {
	if atomic {
		_, err := e.cli.Txn(ctx).Then(clientv3.OpPut(string(key), string(value))).Commit()
		return err
	}
	_, err := e.cli.Put(ctx, string(key), string(value))
	return err
}

func (e *EtcdClient) RawGet(ctx context.Context, key []byte) ([]byte, bool, error) {
	resp, err := e.cli.Get(ctx, string(key))
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (e *EtcdClient) RawDelete(ctx context.Context, key []byte, atomic bool) error {
	if atomic {
		_, err := e.cli.Txn(ctx).Then(clientv3.OpDelete(string(key))).Commit()
		return err
	}
	_, err := e.cli.Delete(ctx, string(key))
	return err
}

func (e *EtcdClient) RawScanPrefix(ctx context.Context, prefix []byte) ([]KeyValue, error) {
	return e.scanRange(ctx, prefix, 0)
}

func (e *EtcdClient) RawCompareAndSwap(ctx context.Context, key, previous, newValue []byte) (CompareAndSwapResult, error) {
	return e.casTxn(ctx, string(key), previous, newValue)
}
