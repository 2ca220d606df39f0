package kv

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

func randomStackID(t *testing.T, seed int64) clusterid.StackID {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	var body [16]byte
	r.Read(body[:])
	id, err := clusterid.NewStackID('s', body)
	if err != nil {
		t.Fatalf("NewStackID: %v", err)
	}
	return id
}

func TestRowKeyRoundTrip(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		stackID := randomStackID(t, seed)
		table := "users"
		userKey := []byte{byte(seed), byte(seed + 1)}

		encoded, err := (RowKey{StackID: stackID, TableName: table, UserKey: userKey}).Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		decoded, err := DecodeRowKey(encoded)
		if err != nil {
			t.Fatalf("DecodeRowKey: %v", err)
		}
		if decoded.StackID != stackID || decoded.TableName != table || !bytes.Equal(decoded.UserKey, userKey) {
			t.Fatalf("round trip mismatch: got %+v", decoded)
		}
	}
}

func TestTableListKeyRoundTrip(t *testing.T) {
	stackID := randomStackID(t, 1)
	tlk := TableListKey{StackID: stackID, TableName: "orders"}
	encoded, err := tlk.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeTableListKey(encoded)
	if err != nil {
		t.Fatalf("DecodeTableListKey: %v", err)
	}
	if decoded != tlk {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, tlk)
	}
}

func TestTableNameOver255BytesRejected(t *testing.T) {
	stackID := randomStackID(t, 2)
	longName := bytes.Repeat([]byte("a"), 256)
	if _, err := (RowKey{StackID: stackID, TableName: string(longName)}).Encode(); err == nil {
		t.Fatalf("expected error for table name over 255 bytes")
	}
}

func TestPrefixRangeEndSoundness(t *testing.T) {
	cases := [][]byte{
		{0x01, 0x02},
		{0x00},
		{0xFE, 0xFF},
		{},
	}
	for _, prefix := range cases {
		end, unbounded := PrefixRangeEnd(prefix)
		if unbounded {
			continue
		}
		if bytes.Compare(end, prefix) <= 0 {
			t.Fatalf("prefix %v: end %v is not greater than prefix", prefix, end)
		}
		// Every key starting with prefix must fall below end.
		for _, suffix := range [][]byte{{}, {0x00}, {0xFF, 0xFF}} {
			k := append(append([]byte{}, prefix...), suffix...)
			if bytes.Compare(k, end) >= 0 {
				t.Fatalf("key %v built from prefix %v is not below end %v", k, prefix, end)
			}
		}
	}
}

func TestPrefixRangeEndAllFFIsUnbounded(t *testing.T) {
	prefix := []byte{0xFF, 0xFF, 0xFF}
	_, unbounded := PrefixRangeEnd(prefix)
	if !unbounded {
		t.Fatalf("expected all-0xFF prefix to be unbounded")
	}
}

func TestPrefixRangeEndCarryPropagation(t *testing.T) {
	prefix := []byte{0x01, 0xFF, 0xFF}
	end, unbounded := PrefixRangeEnd(prefix)
	if unbounded {
		t.Fatalf("expected bounded end")
	}
	want := []byte{0x02}
	if !bytes.Equal(end, want) {
		t.Fatalf("expected carry to produce %v, got %v", want, end)
	}
}

func TestWithinPrefixRangeExcludesNonMatching(t *testing.T) {
	prefix := []byte{0x01, 0x02}
	if !withinPrefixRange([]byte{0x01, 0x02, 0x03}, prefix) {
		t.Fatalf("expected key with prefix to be within range")
	}
	if withinPrefixRange([]byte{0x01, 0x03}, prefix) {
		t.Fatalf("expected key without prefix to be outside range")
	}
}
