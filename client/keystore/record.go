package keystore

import (
	"bytes"
	"encoding/binary"
	"strings"

	"lukechampine.com/blake3"
)

// Durable records are stored as an 8 byte truncated checksum followed by the
// payload.
const checksumLen = 8

const (
	sessionPrefix   = "s:"
	preKeyPrefix    = "p:"
	senderKeyPrefix = "k:"
	accountKey      = "a"
	nextPreKeyKey   = "n"
)

func sessionKey(id string) string {
	return sessionPrefix + id
}

func preKeyKey(id uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return preKeyPrefix + string(b[:])
}

func preKeyIDFromKey(key string) (uint32, bool) {
	if !strings.HasPrefix(key, preKeyPrefix) || len(key) != len(preKeyPrefix)+4 {
		return 0, false
	}
	return binary.BigEndian.Uint32([]byte(key[len(preKeyPrefix):])), true
}

func senderKeyKey(group, sender string) string {
	return senderKeyPrefix + group + "|" + sender
}

func encodeRecord(payload []byte) []byte {
	sum := blake3.Sum256(payload)
	rec := make([]byte, checksumLen+len(payload))
	copy(rec, sum[:checksumLen])
	copy(rec[checksumLen:], payload)
	return rec
}

func decodeRecord(rec []byte) ([]byte, error) {
	if len(rec) < checksumLen {
		return nil, errCorruptRecord
	}
	payload := rec[checksumLen:]
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:checksumLen], rec[:checksumLen]) {
		return nil, errCorruptRecord
	}
	return payload, nil
}
