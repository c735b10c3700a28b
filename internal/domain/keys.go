package domain

import (
	"fmt"
	"strings"
)

// EntityKey identifies one cache slot. A key with an ID is a singleton,
// a key with a Query is list-shaped. Scope narrows a list to the children
// of one parent (bids of one auction).
type EntityKey struct {
	Type  EntityType
	ID    string
	Query string
	Scope string
}

func SingletonKey(t EntityType, id string) EntityKey {
	return EntityKey{Type: t, ID: id}
}

func ListKey(t EntityType, query string) EntityKey {
	return EntityKey{Type: t, Query: query}
}

func ScopedListKey(t EntityType, scope, query string) EntityKey {
	return EntityKey{Type: t, Query: query, Scope: scope}
}

func (k EntityKey) IsList() bool {
	return k.ID == "" && k.Query != ""
}

// String renders "auction:123", "notification:list:me:page=1" or
// "bid:list:page=1@A1".
func (k EntityKey) String() string {
	if !k.IsList() {
		return string(k.Type) + ":" + k.ID
	}
	s := string(k.Type) + ":list:" + k.Query
	if k.Scope != "" {
		s += "@" + k.Scope
	}
	return s
}

func ParseEntityKey(s string) (EntityKey, error) {
	typ, rest, ok := strings.Cut(s, ":")
	if !ok || typ == "" || rest == "" {
		return EntityKey{}, fmt.Errorf("invalid entity key %q", s)
	}

	if query, isList := strings.CutPrefix(rest, "list:"); isList {
		if query == "" {
			return EntityKey{}, fmt.Errorf("invalid entity key %q: empty query", s)
		}
		key := EntityKey{Type: EntityType(typ), Query: query}
		if i := strings.LastIndex(query, "@"); i >= 0 {
			key.Query, key.Scope = query[:i], query[i+1:]
		}
		return key, nil
	}

	return EntityKey{Type: EntityType(typ), ID: rest}, nil
}

// Accepts reports whether an entity belongs in the list behind k.
func (k EntityKey) Accepts(e Entity) bool {
	if k.Scope == "" {
		return true
	}
	scoped, ok := e.(Scoped)
	return ok && scoped.EntityScope() == k.Scope
}
