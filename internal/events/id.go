package events

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDSource issues event ids for one streaming response.
//
// The wire-visible id is a plain UUID v4. The storage field key prepends a
// zero-padded counter so that lexicographic order of field keys equals
// emission order — hash backends return fields unordered, the key restores it.
// The counter is seeded from the wall clock, so keys issued by later sources
// (the next turn of the same session, possibly on another node) sort after
// keys issued by earlier ones.
type IDSource struct {
	seq atomic.Int64
}

func NewIDSource() *IDSource {
	s := &IDSource{}
	s.seq.Store(time.Now().UnixNano())
	return s
}

// Next returns the wire id and the storage field key for the next event.
func (s *IDSource) Next() (id, fieldKey string) {
	n := s.seq.Add(1)
	id = uuid.New().String()
	return id, fmt.Sprintf("%020d:%s", n, id)
}

// FieldKeyID returns the uuid part of a storage field key.
func FieldKeyID(fieldKey string) string {
	if i := strings.IndexByte(fieldKey, ':'); i >= 0 {
		return fieldKey[i+1:]
	}
	return fieldKey
}

// SortFieldKeys returns the keys of m in emission order.
func SortFieldKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
