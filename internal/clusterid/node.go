package clusterid

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Generation is a 128-bit monotonic timestamp captured once at process
// start. It disambiguates two processes that reuse the same (ip, port)
// across restarts.
type Generation [16]byte

// NewGeneration captures the current process generation: the high 8 bytes
// are a nanosecond timestamp, the low 8 bytes come from a random UUID, so
// that even two processes started within the same nanosecond (possible on
// a coarse clock) still diverge.
func NewGeneration() (Generation, error) {
	var g Generation
	binary.BigEndian.PutUint64(g[:8], uint64(time.Now().UnixNano()))
	id := uuid.New()
	copy(g[8:], id[:8])
	return g, nil
}

// NodeAddress identifies a provider node's network endpoint and the
// generation of the process currently bound to it.
type NodeAddress struct {
	IP         net.IP
	Port       uint16
	Generation Generation
}

// NodeHash is a 128-bit stable hash of a NodeAddress, stable for the
// lifetime of the owning process.
type NodeHash [16]byte

// Less implements the tie-break rule used by the scheduler: the numerically
// smaller hash, compared as a big-endian byte string.
func (h NodeHash) Less(other NodeHash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

func (h NodeHash) String() string {
	return fmt.Sprintf("%x", [16]byte(h))
}

// Hash computes the NodeHash for an address. The 128-bit value is built from
// two 64-bit xxhash digests: the high half hashes the canonical address
// bytes, the low half hashes those bytes with the first digest appended.
// This gives the uniform distribution and stability the scheduler's
// XOR-distance computation requires without depending on any particular
// 128-bit hash being vendored.
func (a NodeAddress) Hash() NodeHash {
	buf := a.canonicalBytes()

	var h NodeHash
	d1 := xxhash.Sum64(buf)
	binary.BigEndian.PutUint64(h[:8], d1)

	// Second digest: same bytes with the first digest appended as a salt,
	// so the low half isn't a trivial function of the high half alone.
	salted := make([]byte, 0, len(buf)+8)
	salted = append(salted, buf...)
	salted = binary.BigEndian.AppendUint64(salted, d1)
	d2 := xxhash.Sum64(salted)
	binary.BigEndian.PutUint64(h[8:], d2)

	return h
}

func (a NodeAddress) canonicalBytes() []byte {
	ip := a.IP.To16()
	buf := make([]byte, 0, 16+2+16)
	buf = append(buf, ip...)
	buf = binary.BigEndian.AppendUint16(buf, a.Port)
	buf = append(buf, a.Generation[:]...)
	return buf
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Distance computes the XOR distance between a stack id and a node hash:
// the stack id's 16-byte body interpreted as a little-endian integer,
// XORed with the node hash interpreted the same way.
func Distance(stack StackID, node NodeHash) *big.Int {
	return new(big.Int).Xor(stack.BigInt(), leBytesToBigInt(node[:]))
}

// leBytesToBigInt interprets b as a little-endian unsigned integer, matching
// the convention used for StackID bodies so XOR distance is computed
// consistently on both operands.
func leBytesToBigInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}
