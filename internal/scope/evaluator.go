package scope

import "github.com/Ubiwhere/uw-api-keys/internal/model"

// Decision is the result of a permission check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Check decides whether a key's scope set allows an operation on a
// resource type. The rules are deliberately strict:
//
//   - no scope entry for the resource type means Deny, never a default
//     allow;
//   - operations are granted independently, with no wildcard and no
//     hierarchy (update does not imply read).
func Check(scopes []model.Scope, resourceType string, op model.Operation) Decision {
	for _, s := range scopes {
		if s.ResourceType != resourceType {
			continue
		}
		if s.Ops.Contains(op) {
			return Allow
		}
		return Deny
	}
	return Deny
}

// ObjectPredicate optionally narrows a type-level Allow down to a specific
// object. It is only consulted after Check allows the (resource type,
// operation) pair; returning false downgrades the decision to Deny.
type ObjectPredicate func(keyID int64, resourceType, objectID string) bool

// Evaluator bundles the pure Check with an optional object-level hook.
// A zero Evaluator behaves exactly like Check.
type Evaluator struct {
	// ObjectFilter, when set, is applied to object-scoped checks.
	ObjectFilter ObjectPredicate
}

// Check evaluates a type-level permission check.
func (e *Evaluator) Check(scopes []model.Scope, resourceType string, op model.Operation) Decision {
	return Check(scopes, resourceType, op)
}

// CheckObject evaluates a permission check against a specific object.
// Without an ObjectFilter the type-level decision stands.
func (e *Evaluator) CheckObject(keyID int64, scopes []model.Scope, resourceType string, op model.Operation, objectID string) Decision {
	if Check(scopes, resourceType, op) == Deny {
		return Deny
	}
	if e.ObjectFilter != nil && !e.ObjectFilter(keyID, resourceType, objectID) {
		return Deny
	}
	return Allow
}
