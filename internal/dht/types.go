package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"
	"net"
	"strconv"
)

// IDLength is the width, in bytes, of a NodeID or InfoHash (160 bits, the
// output size of SHA-1).
const IDLength = 20

// NodeID identifies a node in the overlay. InfoHash shares the same
// representation so a NodeID can be derived from an InfoHash for routing
// purposes (e.g. get_peers walks the table as if the info-hash were a node).
type NodeID [IDLength]byte

// InfoHash identifies a torrent by the SHA-1 of its info dictionary.
type InfoHash [IDLength]byte

func (id NodeID) String() string   { return hex.EncodeToString(id[:]) }
func (h InfoHash) String() string  { return hex.EncodeToString(h[:]) }
func (id NodeID) AsTarget() NodeID { return id }

// AsNodeID reinterprets an InfoHash as a NodeID for distance computations.
func (h InfoHash) AsNodeID() NodeID {
	return NodeID(h)
}

// RandomNodeID returns a cryptographically random NodeID.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
	return id
}

// Endpoint is an IPv4 address and UDP port.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.Port}
}

func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP, Port: addr.Port}
}

// Distance returns the XOR metric between a and b.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance reports whether a is closer to target than b: -1 if a is
// closer, 1 if b is closer, 0 if equidistant.
func CompareDistance(target, a, b NodeID) int {
	da := Distance(target, a)
	db := Distance(target, b)
	return bytes.Compare(da[:], db[:])
}

// prefixLen returns the number of leading zero bits in the XOR distance
// between a and b, i.e. the length of their shared ID prefix.
func prefixLen(a, b NodeID) int {
	d := Distance(a, b)
	for i := 0; i < IDLength; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}
	return IDLength * 8
}

// bucketIndex returns which of the 160 k-buckets remoteID falls into
// relative to localID: bucket i covers ids whose first differing bit from
// localID is at position i.
func bucketIndex(localID, remoteID NodeID) int {
	pl := prefixLen(localID, remoteID)
	if pl >= NumBuckets {
		return NumBuckets - 1
	}
	return pl
}
