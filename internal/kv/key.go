// Package kv is the node-local KV engine: a stack/table namespace and a
// prefix-key range API layered over a cluster-wide transactional store.
package kv

import (
	"bytes"
	"fmt"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// MaxTableNameLen is the largest table name the composite key encoding can
// carry (its length prefix is a single byte).
const MaxTableNameLen = 255

// tableListMetadataTag is the first chunk of a table-metadata key. Leading
// with a NUL byte guarantees metadata keys can never collide with user rows,
// which always start with a 17-byte StackID (discriminator bytes are never
// NUL).
const tableListMetadataTag = "\x00M"

// encodeChunk writes a length-prefixed chunk: one byte of length, then the
// bytes themselves. Chunks over 255 bytes cannot be represented and must be
// rejected by the caller before encoding.
func encodeChunk(buf []byte, chunk []byte) ([]byte, error) {
	if len(chunk) > 255 {
		return nil, fmt.Errorf("kv: chunk of %d bytes exceeds 255-byte limit", len(chunk))
	}
	buf = append(buf, byte(len(chunk)))
	buf = append(buf, chunk...)
	return buf, nil
}

// MetadataPrefix returns the shared system-metadata prefix: the
// length-prefixed "\0M" tag that both table-list metadata rows and
// membership rows are rooted under (disambiguated by what follows: table
// metadata always continues with a 17-byte length-prefixed StackID chunk,
// membership rows continue directly with a serialized address).
func MetadataPrefix() Key {
	buf, _ := encodeChunk(nil, []byte(tableListMetadataTag))
	return buf
}

// Key is an opaque composite key: three length-prefixed chunks concatenated
// as [len(a)=1B][a][len(b)=1B][b][c]. The third chunk carries no length
// prefix of its own; it runs to the end of the key.
type Key []byte

// tableMetadataKey builds the key for a table-list metadata row:
// ("\0M", stack_id_bytes, table_name).
func tableMetadataKey(stackID clusterid.StackID, tableName string) (Key, error) {
	if len(tableName) > MaxTableNameLen {
		return nil, fmt.Errorf("kv: table name %q exceeds %d bytes", tableName, MaxTableNameLen)
	}
	buf, err := encodeChunk(nil, []byte(tableListMetadataTag))
	if err != nil {
		return nil, err
	}
	buf, err = encodeChunk(buf, stackID[:])
	if err != nil {
		return nil, err
	}
	buf = append(buf, tableName...)
	return buf, nil
}

// userRowKey builds the key for a user row: (stack_id_bytes, table_name,
// user_key).
func userRowKey(stackID clusterid.StackID, tableName string, userKey []byte) (Key, error) {
	if len(tableName) > MaxTableNameLen {
		return nil, fmt.Errorf("kv: table name %q exceeds %d bytes", tableName, MaxTableNameLen)
	}
	buf, err := encodeChunk(nil, stackID[:])
	if err != nil {
		return nil, err
	}
	buf, err = encodeChunk(buf, []byte(tableName))
	if err != nil {
		return nil, err
	}
	buf = append(buf, userKey...)
	return buf, nil
}

// decodeThreeChunks is the inverse of the encodeChunk/append pairing used by
// both key shapes above: it splits a key into (first, second, rest).
func decodeThreeChunks(key Key) (first, second, rest []byte, err error) {
	if len(key) < 1 {
		return nil, nil, nil, fmt.Errorf("kv: key too short to contain a length-prefixed chunk")
	}
	aLen := int(key[0])
	if len(key) < 1+aLen+1 {
		return nil, nil, nil, fmt.Errorf("kv: key too short for first chunk of length %d", aLen)
	}
	a := key[1 : 1+aLen]
	rest2 := key[1+aLen:]

	bLen := int(rest2[0])
	if len(rest2) < 1+bLen {
		return nil, nil, nil, fmt.Errorf("kv: key too short for second chunk of length %d", bLen)
	}
	b := rest2[1 : 1+bLen]
	c := rest2[1+bLen:]
	return a, b, c, nil
}

// TableListKey identifies a table-metadata row.
type TableListKey struct {
	StackID   clusterid.StackID
	TableName string
}

// Encode renders the metadata key bytes for k.
func (k TableListKey) Encode() (Key, error) {
	return tableMetadataKey(k.StackID, k.TableName)
}

// DecodeTableListKey parses a metadata-row key back into its stack id and
// table name.
func DecodeTableListKey(key Key) (TableListKey, error) {
	tag, stackIDBytes, tableName, err := decodeThreeChunks(key)
	if err != nil {
		return TableListKey{}, err
	}
	if string(tag) != tableListMetadataTag {
		return TableListKey{}, fmt.Errorf("kv: key is not a table-list metadata key")
	}
	if len(stackIDBytes) != clusterid.StackIDSize {
		return TableListKey{}, fmt.Errorf("kv: malformed stack id chunk of length %d", len(stackIDBytes))
	}
	var id clusterid.StackID
	copy(id[:], stackIDBytes)
	return TableListKey{StackID: id, TableName: string(tableName)}, nil
}

// RowKey identifies a single user row.
type RowKey struct {
	StackID   clusterid.StackID
	TableName string
	UserKey   []byte
}

// Encode renders the user-row key bytes for k.
func (k RowKey) Encode() (Key, error) {
	return userRowKey(k.StackID, k.TableName, k.UserKey)
}

// DecodeRowKey parses a user-row key back into its triple.
func DecodeRowKey(key Key) (RowKey, error) {
	stackIDBytes, tableName, userKey, err := decodeThreeChunks(key)
	if err != nil {
		return RowKey{}, err
	}
	if len(stackIDBytes) != clusterid.StackIDSize {
		return RowKey{}, fmt.Errorf("kv: malformed stack id chunk of length %d", len(stackIDBytes))
	}
	var id clusterid.StackID
	copy(id[:], stackIDBytes)
	uk := make([]byte, len(userKey))
	copy(uk, userKey)
	return RowKey{StackID: id, TableName: string(tableName), UserKey: uk}, nil
}

// PrefixRangeEnd computes the exclusive upper bound for a scan over every key
// starting with prefix: the prefix with its last non-0xFF byte incremented
// and everything after it truncated, with carry propagating through
// trailing 0xFF bytes. A prefix that is entirely 0xFF bytes has no finite
// upper bound; PrefixRangeEnd returns (nil, true) in that case to signal an
// unbounded scan.
func PrefixRangeEnd(prefix []byte) (end []byte, unbounded bool) {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1], false
		}
	}
	return nil, true
}

// withinPrefixRange reports whether key falls in [prefix, end) as computed by
// PrefixRangeEnd; used by the in-memory fake client and by tests.
func withinPrefixRange(key, prefix []byte) bool {
	if !bytes.HasPrefix(key, prefix) {
		return false
	}
	end, unbounded := PrefixRangeEnd(prefix)
	if unbounded {
		return true
	}
	return bytes.Compare(key, end) < 0
}
