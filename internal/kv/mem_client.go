package kv

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// MemClient is an in-memory Client used by tests and local development: a
// drop-in stand-in for the real transactional store that still exercises
// every code path above it.
type MemClient struct {
	mu   sync.RWMutex
	rows map[string][]byte // encoded key -> value
	rev  map[string]uint64 // encoded key -> monotonically increasing revision (CAS compares values, not revisions)
	next uint64
}

// NewMemClient constructs an empty MemClient.
func NewMemClient() *MemClient {
	return &MemClient{
		rows: make(map[string][]byte),
		rev:  make(map[string]uint64),
	}
}

var _ Client = (*MemClient)(nil)

func (m *MemClient) UpdateStackTables(_ context.Context, stackID clusterid.StackID, tableNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range tableNames {
		if err := validateTableName(name); err != nil {
			return err
		}
		key, err := (TableListKey{StackID: stackID, TableName: name}).Encode()
		if err != nil {
			return err
		}
		k := string(key)
		if _, ok := m.rows[k]; ok {
			continue
		}
		m.rows[k] = []byte{}
		m.next++
		m.rev[k] = m.next
	}
	return nil
}

func (m *MemClient) hasTable(stackID clusterid.StackID, table string) bool {
	key, err := (TableListKey{StackID: stackID, TableName: table}).Encode()
	if err != nil {
		return false
	}
	_, ok := m.rows[string(key)]
	return ok
}

func (m *MemClient) Put(_ context.Context, stackID clusterid.StackID, table string, key, value []byte, _ bool) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasTable(stackID, table) {
		return ErrStackOrTableNotFound
	}
	rk, err := (RowKey{StackID: stackID, TableName: table, UserKey: key}).Encode()
	if err != nil {
		return err
	}
	m.setLocked(string(rk), value)
	return nil
}

func (m *MemClient) setLocked(k string, value []byte) {
	m.rows[k] = append([]byte(nil), value...)
	m.next++
	m.rev[k] = m.next
}

func (m *MemClient) Get(_ context.Context, stackID clusterid.StackID, table string, key []byte) ([]byte, bool, error) {
	rk, err := (RowKey{StackID: stackID, TableName: table, UserKey: key}).Encode()
	if err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rows[string(rk)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemClient) Delete(_ context.Context, stackID clusterid.StackID, table string, key []byte, _ bool) error {
	rk, err := (RowKey{StackID: stackID, TableName: table, UserKey: key}).Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, string(rk))
	delete(m.rev, string(rk))
	return nil
}

func (m *MemClient) DeleteByPrefix(_ context.Context, stackID clusterid.StackID, table string, userKeyPrefix []byte) error {
	prefix, err := userRowKey(stackID, table, userKeyPrefix)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.rows {
		if withinPrefixRange([]byte(k), prefix) {
			delete(m.rows, k)
			delete(m.rev, k)
		}
	}
	return nil
}

func (m *MemClient) ClearTable(ctx context.Context, stackID clusterid.StackID, table string) error {
	return m.DeleteByPrefix(ctx, stackID, table, nil)
}

func (m *MemClient) Scan(_ context.Context, spec ScanSpec, limit int) ([]KeyValue, error) {
	prefix, err := userRowKey(spec.StackID, spec.Table, spec.InnerKeyPrefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.rows {
		if withinPrefixRange([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: []byte(k), Value: append([]byte(nil), m.rows[k]...)})
	}
	return out, nil
}

func (m *MemClient) ScanKeys(ctx context.Context, spec ScanSpec, limit int) ([][]byte, error) {
	kvs, err := m.Scan(ctx, spec, limit)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Key
	}
	return out, nil
}

func (m *MemClient) TableList(_ context.Context, stackID clusterid.StackID, prefix string) ([]string, error) {
	// tableMetadataKey(stackID, "") encodes a zero-length third chunk; every
	// table name for this stack extends that same encoded key.
	base, err := tableMetadataKey(stackID, "")
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for k := range m.rows {
		if !bytes.HasPrefix([]byte(k), base) {
			continue
		}
		tlk, err := DecodeTableListKey(Key(k))
		if err != nil {
			continue
		}
		if tlk.StackID != stackID {
			continue
		}
		if prefix != "" && !strings.HasPrefix(tlk.TableName, prefix) {
			continue
		}
		names = append(names, tlk.TableName)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemClient) StackIDList(_ context.Context) ([]clusterid.StackID, error) {
	metaPrefix := MetadataPrefix()
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[clusterid.StackID]bool{}
	var ids []clusterid.StackID
	for k := range m.rows {
		if !bytes.HasPrefix([]byte(k), metaPrefix) {
			continue
		}
		tlk, err := DecodeTableListKey(Key(k))
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

func (m *MemClient) BatchPut(ctx context.Context, stackID clusterid.StackID, table string, kvs []KeyValue, atomic bool) error {
	for _, kv := range kvs {
		if err := m.Put(ctx, stackID, table, kv.Key, kv.Value, atomic); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemClient) BatchGet(ctx context.Context, stackID clusterid.StackID, table string, keys [][]byte) ([]KeyValue, error) {
	out := make([]KeyValue, 0, len(keys))
	for _, key := range keys {
		v, ok, err := m.Get(ctx, stackID, table, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, KeyValue{Key: key, Value: v})
		}
	}
	return out, nil
}

func (m *MemClient) BatchDelete(ctx context.Context, stackID clusterid.StackID, table string, keys [][]byte, atomic bool) error {
	for _, key := range keys {
		if err := m.Delete(ctx, stackID, table, key, atomic); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemClient) CompareAndSwap(_ context.Context, stackID clusterid.StackID, table string, key, previous, newValue []byte) (CompareAndSwapResult, error) {
	rk, err := (RowKey{StackID: stackID, TableName: table, UserKey: key}).Encode()
	if err != nil {
		return CompareAndSwapResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasTable(stackID, table) {
		return CompareAndSwapResult{}, ErrStackOrTableNotFound
	}
	return m.casLocked(string(rk), previous, newValue), nil
}

func (m *MemClient) casLocked(k string, previous, newValue []byte) CompareAndSwapResult {
	cur, ok := m.rows[k]
	if !ok {
		cur = nil
	}
	if !bytes.Equal(cur, previous) {
		return CompareAndSwapResult{PreviousObserved: cur, DidSwap: false}
	}
	m.setLocked(k, newValue)
	return CompareAndSwapResult{PreviousObserved: cur, DidSwap: true}
}

func (m *MemClient) RawPut(_ context.Context, key, value []byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(string(key), value)
	return nil
}

func (m *MemClient) RawGet(_ context.Context, key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rows[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemClient) RawDelete(_ context.Context, key []byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, string(key))
	delete(m.rev, string(key))
	return nil
}

func (m *MemClient) RawScanPrefix(_ context.Context, prefix []byte) ([]KeyValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.rows {
		if withinPrefixRange([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: []byte(k), Value: append([]byte(nil), m.rows[k]...)})
	}
	return out, nil
}

func (m *MemClient) RawCompareAndSwap(_ context.Context, key, previous, newValue []byte) (CompareAndSwapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(string(key), previous, newValue), nil
}
