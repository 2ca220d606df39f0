package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// ErrStackOrTableNotFound is returned by Put (and the batch/atomic
// variants) when no table-metadata row exists for the target
// (stack_id, table_name) pair.
var ErrStackOrTableNotFound = errors.New("kv: stack id or table does not exist")

// ScanSpec selects the range a Scan/ScanKeys call should cover.
type ScanSpec struct {
	StackID clusterid.StackID
	Table   string

	// InnerKeyPrefix narrows the scan to user keys starting with this
	// prefix. Nil/empty scans the whole table (ByTableName).
	InnerKeyPrefix []byte
}

// KeyValue is a single row returned from Scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// CompareAndSwapResult is the outcome of an atomic compare-and-swap.
type CompareAndSwapResult struct {
	PreviousObserved []byte
	DidSwap          bool
}

// Client is the node-local façade over the cluster's transactional KV
// store. All keys passed in and returned are already-decoded user keys; the
// composite-key encoding is handled internally.
type Client interface {
	// UpdateStackTables ensures a metadata row exists for each table name;
	// tables already present are left untouched. Deletion of tables absent
	// from tableNames is intentionally deferred (see DESIGN.md).
	UpdateStackTables(ctx context.Context, stackID clusterid.StackID, tableNames []string) error

	Put(ctx context.Context, stackID clusterid.StackID, table string, key, value []byte, atomic bool) error
	Get(ctx context.Context, stackID clusterid.StackID, table string, key []byte) ([]byte, bool, error)
	Delete(ctx context.Context, stackID clusterid.StackID, table string, key []byte, atomic bool) error
	DeleteByPrefix(ctx context.Context, stackID clusterid.StackID, table string, userKeyPrefix []byte) error
	ClearTable(ctx context.Context, stackID clusterid.StackID, table string) error

	Scan(ctx context.Context, spec ScanSpec, limit int) ([]KeyValue, error)
	ScanKeys(ctx context.Context, spec ScanSpec, limit int) ([][]byte, error)

	TableList(ctx context.Context, stackID clusterid.StackID, prefix string) ([]string, error)
	StackIDList(ctx context.Context) ([]clusterid.StackID, error)

	BatchPut(ctx context.Context, stackID clusterid.StackID, table string, kvs []KeyValue, atomic bool) error
	BatchGet(ctx context.Context, stackID clusterid.StackID, table string, keys [][]byte) ([]KeyValue, error)
	BatchDelete(ctx context.Context, stackID clusterid.StackID, table string, keys [][]byte, atomic bool) error

	CompareAndSwap(ctx context.Context, stackID clusterid.StackID, table string, key, previous, newValue []byte) (CompareAndSwapResult, error)

	// RawPut/RawGet/RawDelete operate directly on fully-encoded keys and are
	// used by components (membership) that live outside the stack/table
	// namespace, such as membership rows.
	RawPut(ctx context.Context, key, value []byte, atomic bool) error
	RawGet(ctx context.Context, key []byte) ([]byte, bool, error)
	RawDelete(ctx context.Context, key []byte, atomic bool) error
	RawScanPrefix(ctx context.Context, prefix []byte) ([]KeyValue, error)
	RawCompareAndSwap(ctx context.Context, key, previous, newValue []byte) (CompareAndSwapResult, error)
}

func validateTableName(table string) error {
	if len(table) == 0 {
		return fmt.Errorf("kv: table name must not be empty")
	}
	if len(table) > MaxTableNameLen {
		return fmt.Errorf("kv: table name %q exceeds %d bytes", table, MaxTableNameLen)
	}
	return nil
}
