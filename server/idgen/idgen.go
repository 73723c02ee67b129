// Package idgen generates short, sortable identifiers for requests and
// websocket connections.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"hash/fnv"
	"os"
	"sync/atomic"
	"time"
)

var (
	node     [3]byte
	sequence atomic.Uint32
	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(node[:]); err == nil {
		return
	}
	h := fnv.New32a()
	if hostname, err := os.Hostname(); err == nil {
		h.Write([]byte(hostname))
	} else {
		binary.Write(h, binary.BigEndian, time.Now().UnixNano())
	}
	copy(node[:], h.Sum(nil))
}

// New returns a 20 character lowercase base32 id built from 12 bytes:
// a 4 byte unix timestamp, a 3 byte node id, a 2 byte sequence number and
// 3 random bytes. Ids from one process sort by creation second.
func New() string {
	var id [12]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], node[:])
	binary.BigEndian.PutUint16(id[7:9], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[9:12]); err != nil {
		binary.BigEndian.PutUint16(id[9:11], uint16(time.Now().UnixNano()))
	}
	return encoding.EncodeToString(id[:])
}

// Short returns the last eight characters of an id, for log lines.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
