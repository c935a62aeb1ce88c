package models

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
)

// ReplyKey is the ordered chain of ancestor post IDs from the thread root down
// to the immediate parent. It is encoded as big-endian 8-byte IDs so that the
// stored bytea column compares ancestor-chain prefixes with a plain byte
// prefix match. An empty key means a top-level post.
type ReplyKey []int64

// idWidth is the encoded size of a single post ID.
const idWidth = 8

// Depth returns the reply depth implied by the key (0 = top-level).
func (k ReplyKey) Depth() int {
	return len(k)
}

// Root returns the thread root post ID, or 0 for a top-level post.
func (k ReplyKey) Root() int64 {
	if len(k) == 0 {
		return 0
	}
	return k[0]
}

// Parent returns the immediate parent post ID, or 0 for a top-level post.
func (k ReplyKey) Parent() int64 {
	if len(k) == 0 {
		return 0
	}
	return k[len(k)-1]
}

// Child returns the reply key for a direct reply to post id under this key.
func (k ReplyKey) Child(id int64) ReplyKey {
	child := make(ReplyKey, len(k)+1)
	copy(child, k)
	child[len(k)] = id
	return child
}

// Encode serializes the key to its byte representation. A nil slice is
// returned for an empty key so the column stays NULL for top-level posts.
func (k ReplyKey) Encode() []byte {
	if len(k) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(k)*idWidth)
	for _, id := range k {
		buf = binary.BigEndian.AppendUint64(buf, uint64(id))
	}
	return buf
}

// DecodeReplyKey parses an encoded reply key. Keys whose length is not a
// multiple of the ID width are malformed.
func DecodeReplyKey(data []byte) (ReplyKey, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%idWidth != 0 {
		return nil, fmt.Errorf("malformed reply key: %d bytes", len(data))
	}
	key := make(ReplyKey, 0, len(data)/idWidth)
	for i := 0; i < len(data); i += idWidth {
		key = append(key, int64(binary.BigEndian.Uint64(data[i:i+idWidth])))
	}
	return key, nil
}

// Value implements driver.Valuer so gorm stores the key as bytea.
func (k ReplyKey) Value() (driver.Value, error) {
	enc := k.Encode()
	if enc == nil {
		return nil, nil
	}
	return enc, nil
}

// Scan implements sql.Scanner.
func (k *ReplyKey) Scan(src interface{}) error {
	if src == nil {
		*k = nil
		return nil
	}
	data, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan reply key from %T", src)
	}
	decoded, err := DecodeReplyKey(data)
	if err != nil {
		return err
	}
	*k = decoded
	return nil
}

// GormDataType tells gorm which column type to use.
func (ReplyKey) GormDataType() string {
	return "bytea"
}

// IDArray is a set of actor IDs stored in the same packed big-endian form as
// ReplyKey. Used for the mentioned-actor column.
type IDArray []int64

// Contains reports whether id is present.
func (a IDArray) Contains(id int64) bool {
	for _, v := range a {
		if v == id {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (a IDArray) Value() (driver.Value, error) {
	return ReplyKey(a).Value()
}

// Scan implements sql.Scanner.
func (a *IDArray) Scan(src interface{}) error {
	var k ReplyKey
	if err := k.Scan(src); err != nil {
		return err
	}
	*a = IDArray(k)
	return nil
}

// GormDataType tells gorm which column type to use.
func (IDArray) GormDataType() string {
	return "bytea"
}
