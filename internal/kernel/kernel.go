// Package kernel implements the pure three-way merge decision procedure.
//
// Given the current A-side view, the current B-side view, and the last-known
// shadow snapshot, Decide classifies every managed field as skip, apply-to-A,
// apply-to-B, or conflict. The kernel performs no I/O and is deterministic;
// callers apply the decisions and persist the outcome.
package kernel

import "github.com/praxis-crm/syncbridge/internal/model"

// Op is the per-field decision.
type Op string

const (
	OpSkip     Op = "skip"
	OpApplyToA Op = "apply_to_a"
	OpApplyToB Op = "apply_to_b"
	OpConflict Op = "conflict"
)

// FieldDecision is the classification of one managed field.
type FieldDecision struct {
	Field     model.ManagedField
	Op        Op
	Direction model.Direction
	// Value is the value to apply for apply_to_a / apply_to_b, in its
	// original (un-normalized) form from the winning side.
	Value model.FieldValue
	// FillEmpty marks apply decisions produced by the fill-empty rule
	// (both sides changed, one converged to empty).
	FillEmpty bool
	// AValue and BValue are the current values, kept for conflict rows
	// and log entries.
	AValue model.FieldValue
	BValue model.FieldValue
}

// FieldUpdate is one field write to apply on a side.
type FieldUpdate struct {
	Field     model.ManagedField
	Value     model.FieldValue
	Old       model.FieldValue
	FillEmpty bool
}

// FieldConflict is one detected conflict.
type FieldConflict struct {
	Field  model.ManagedField
	AValue model.FieldValue
	BValue model.FieldValue
}

// Result is the full decision set for one record.
type Result struct {
	Fields    []FieldDecision
	UpdatesA  []FieldUpdate
	UpdatesB  []FieldUpdate
	Conflicts []FieldConflict
}

// Converged reports whether every field decided skip.
func (r Result) Converged() bool {
	return len(r.UpdatesA) == 0 && len(r.UpdatesB) == 0 && len(r.Conflicts) == 0
}

// Decide runs the three-way diff for the given managed fields.
//
// Per field, with a/b/sa/sb the normalized current and shadow values:
//
//	unchanged on both sides            → skip
//	changed on one side only           → apply to the other side
//	both changed, equal                → skip (converged independently)
//	both changed, exactly one empty    → fill-empty toward the empty side
//	both changed, both non-empty, ≠    → conflict
func Decide(a, b, shadowA, shadowB model.Fields, fields []model.ManagedField) Result {
	var res Result
	res.Fields = make([]FieldDecision, 0, len(fields))

	for _, f := range fields {
		av, bv := a.Get(f), b.Get(f)
		d := decideField(f, av, bv, shadowA.Get(f), shadowB.Get(f))
		res.Fields = append(res.Fields, d)

		switch d.Op {
		case OpApplyToA:
			res.UpdatesA = append(res.UpdatesA, FieldUpdate{Field: f, Value: d.Value, Old: av, FillEmpty: d.FillEmpty})
		case OpApplyToB:
			res.UpdatesB = append(res.UpdatesB, FieldUpdate{Field: f, Value: d.Value, Old: bv, FillEmpty: d.FillEmpty})
		case OpConflict:
			res.Conflicts = append(res.Conflicts, FieldConflict{Field: f, AValue: av, BValue: bv})
		}
	}
	return res
}

func decideField(f model.ManagedField, a, b, sa, sb model.FieldValue) FieldDecision {
	d := FieldDecision{Field: f, AValue: a, BValue: b}

	aChanged := !a.Equal(sa)
	bChanged := !b.Equal(sb)

	switch {
	case !aChanged && !bChanged:
		d.Op, d.Direction = OpSkip, model.DirectionNone

	case aChanged && !bChanged:
		d.Op, d.Direction, d.Value = OpApplyToB, model.DirectionAToB, a

	case !aChanged && bChanged:
		d.Op, d.Direction, d.Value = OpApplyToA, model.DirectionBToA, b

	// Both changed from here on.
	case a.Equal(b):
		d.Op, d.Direction = OpSkip, model.DirectionNone

	case a.IsEmpty() && !b.IsEmpty():
		d.Op, d.Direction, d.Value, d.FillEmpty = OpApplyToA, model.DirectionBToA, b, true

	case !a.IsEmpty() && b.IsEmpty():
		d.Op, d.Direction, d.Value, d.FillEmpty = OpApplyToB, model.DirectionAToB, a, true

	default:
		d.Op, d.Direction = OpConflict, model.DirectionNone
	}
	return d
}
