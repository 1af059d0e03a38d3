package model

import (
	"fmt"
	"sort"
	"strings"
)

// Operation is one of the four canonical CRUD operations.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation validates and canonicalizes an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OpCreate, OpRead, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q (want create, read, update, or delete)", s)
	}
}

// OpSet is a bitmask set of CRUD operations, stored as a single integer
// column per (key, resource type) row.
type OpSet int

const (
	opCreateBit OpSet = 1 << iota
	opReadBit
	opUpdateBit
	opDeleteBit

	// OpSetAll grants every CRUD operation.
	OpSetAll = opCreateBit | opReadBit | opUpdateBit | opDeleteBit
)

var opBits = map[Operation]OpSet{
	OpCreate: opCreateBit,
	OpRead:   opReadBit,
	OpUpdate: opUpdateBit,
	OpDelete: opDeleteBit,
}

// canonical display order
var allOps = []Operation{OpCreate, OpRead, OpUpdate, OpDelete}

// Contains reports whether the set grants op. Unknown operations are
// never contained.
func (s OpSet) Contains(op Operation) bool {
	bit, ok := opBits[op]
	return ok && s&bit != 0
}

// With returns the set with op added.
func (s OpSet) With(op Operation) OpSet {
	return s | opBits[op]
}

// Without returns the set with op removed.
func (s OpSet) Without(op Operation) OpSet {
	return s &^ opBits[op]
}

// Union merges two sets.
func (s OpSet) Union(other OpSet) OpSet {
	return s | other
}

// Difference removes every operation in other from s.
func (s OpSet) Difference(other OpSet) OpSet {
	return s &^ other
}

// Empty reports whether no operation is granted.
func (s OpSet) Empty() bool {
	return s&OpSetAll == 0
}

// Operations returns the granted operations in canonical order.
func (s OpSet) Operations() []Operation {
	ops := make([]Operation, 0, 4)
	for _, op := range allOps {
		if s.Contains(op) {
			ops = append(ops, op)
		}
	}
	return ops
}

// String renders the set as "create,read" style, or "-" when empty.
func (s OpSet) String() string {
	if s.Empty() {
		return "-"
	}
	ops := s.Operations()
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = string(op)
	}
	return strings.Join(parts, ",")
}

// ParseOpSet builds a set from operation names, e.g. ["read", "update"].
func ParseOpSet(names []string) (OpSet, error) {
	var s OpSet
	for _, name := range names {
		op, err := ParseOperation(name)
		if err != nil {
			return 0, err
		}
		s = s.With(op)
	}
	return s, nil
}

// Scope grants a set of CRUD operations on one resource type. A key holds
// at most one Scope per resource type; grants for the same type are merged
// into a single row.
type Scope struct {
	ID           int64  `json:"id" db:"id"`
	KeyID        int64  `json:"key_id" db:"key_id"`
	ResourceType string `json:"resource_type" db:"resource_type"`
	Ops          OpSet  `json:"-" db:"ops"`

	// Operations is the JSON-facing view of Ops, populated on load.
	Operations []Operation `json:"operations" db:"-"`
}

// SortScopes orders scopes by resource type for stable output.
func SortScopes(scopes []Scope) {
	sort.Slice(scopes, func(i, j int) bool {
		return scopes[i].ResourceType < scopes[j].ResourceType
	})
}
