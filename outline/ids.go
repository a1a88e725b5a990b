package outline

import (
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDFunc produces candidate node ids. Candidates that collide with ids already
// present in a tree are discarded and the func is called again.
type IDFunc func() string

// NewID returns an 8 character base36 id drawn from a random UUID.
func NewID() string {
	u := uuid.New()
	s := new(big.Int).SetBytes(u[:]).Text(36)
	if len(s) < 8 {
		s = strings.Repeat("0", 8-len(s)) + s
	}
	return s[len(s)-8:]
}

// SequentialIDs returns an IDFunc yielding prefix1, prefix2, ... for stable tests and fixtures.
// The returned func is safe for concurrent use.
func SequentialIDs(prefix string) IDFunc {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

type idSet map[string]struct{}

func (s idSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

// fresh draws from newID until it finds an id not in s, then records it.
func (s idSet) fresh(newID IDFunc) string {
	if newID == nil {
		newID = NewID
	}
	for {
		id := newID()
		if id != "" && !s.has(id) {
			s[id] = struct{}{}
			return id
		}
	}
}

func collectIDs(nodes []Node, into idSet) {
	for _, n := range nodes {
		into[n.ID] = struct{}{}
		collectIDs(n.Children, into)
	}
}
