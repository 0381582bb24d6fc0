package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-crm/syncbridge/internal/kernel"
	"github.com/praxis-crm/syncbridge/internal/model"
)

func fields(f model.ManagedField, v model.FieldValue) model.Fields {
	return model.Fields{f: v}
}

func TestDecideSingleField(t *testing.T) {
	const f = model.FieldFirstName
	str, null := model.String, model.Null()

	tests := []struct {
		name           string
		a, b, sa, sb   model.FieldValue
		wantOp         kernel.Op
		wantDir        model.Direction
		wantValue      model.FieldValue
		wantFillEmpty  bool
	}{
		{
			name: "no change on either side",
			a:    str("Jan"), b: str("Jan"), sa: str("Jan"), sb: str("Jan"),
			wantOp: kernel.OpSkip, wantDir: model.DirectionNone,
		},
		{
			name: "pure A change",
			a:    str("Johan"), b: str("Jan"), sa: str("Jan"), sb: str("Jan"),
			wantOp: kernel.OpApplyToB, wantDir: model.DirectionAToB, wantValue: str("Johan"),
		},
		{
			name: "pure B change",
			a:    str("Jan"), b: str("Johan"), sa: str("Jan"), sb: str("Jan"),
			wantOp: kernel.OpApplyToA, wantDir: model.DirectionBToA, wantValue: str("Johan"),
		},
		{
			name: "both changed to the same value",
			a:    str("Johan"), b: str("johan "), sa: str("Jan"), sb: str("Jan"),
			wantOp: kernel.OpSkip, wantDir: model.DirectionNone,
		},
		{
			name: "both changed, A emptied",
			a:    null, b: str("Johan"), sa: str("Jan"), sb: str("Jan"),
			wantOp: kernel.OpApplyToA, wantDir: model.DirectionBToA, wantValue: str("Johan"), wantFillEmpty: true,
		},
		{
			name: "both changed, B emptied",
			a:    str("Johan"), b: str(""), sa: str("Jan"), sb: str("Jan"),
			wantOp: kernel.OpApplyToB, wantDir: model.DirectionAToB, wantValue: str("Johan"), wantFillEmpty: true,
		},
		{
			name: "both changed, both non-empty, different",
			a:    str("Amsterdam"), b: str("Rotterdam"), sa: str("Utrecht"), sb: str("Utrecht"),
			wantOp: kernel.OpConflict, wantDir: model.DirectionNone,
		},
		{
			name: "case-only drift is not a change",
			a:    str("JAN"), b: str("Jan"), sa: str("jan"), sb: str("Jan"),
			wantOp: kernel.OpSkip, wantDir: model.DirectionNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := kernel.Decide(fields(f, tt.a), fields(f, tt.b), fields(f, tt.sa), fields(f, tt.sb), []model.ManagedField{f})
			require.Len(t, res.Fields, 1)
			d := res.Fields[0]
			assert.Equal(t, tt.wantOp, d.Op)
			assert.Equal(t, tt.wantDir, d.Direction)
			if tt.wantOp == kernel.OpApplyToA || tt.wantOp == kernel.OpApplyToB {
				assert.Equal(t, tt.wantValue, d.Value)
				assert.Equal(t, tt.wantFillEmpty, d.FillEmpty)
			}
		})
	}
}

// Decide is deterministic and side-effect-free: repeated calls with the same
// inputs yield identical results and never mutate the input maps.
func TestDecidePurity(t *testing.T) {
	a := model.Fields{model.FieldCity: model.String("Amsterdam"), model.FieldPhone: model.Null()}
	b := model.Fields{model.FieldCity: model.String("Rotterdam"), model.FieldPhone: model.String("+31 6 1234")}
	sa := model.Fields{model.FieldCity: model.String("Utrecht")}
	sb := model.Fields{model.FieldCity: model.String("Utrecht")}

	first := kernel.Decide(a, b, sa, sb, model.ManagedFields())
	second := kernel.Decide(a, b, sa, sb, model.ManagedFields())
	assert.Equal(t, first, second)

	assert.Equal(t, model.String("Amsterdam"), a[model.FieldCity])
	assert.Equal(t, model.String("Utrecht"), sa[model.FieldCity])
}

// If both sides hold identical normalized values for every field, the result
// is all skip regardless of the shadow.
func TestDecideConvergence(t *testing.T) {
	a := model.Fields{}
	b := model.Fields{}
	for _, f := range model.ManagedFields() {
		a[f] = model.String("Same Value")
		b[f] = model.String("  same value ")
	}
	shadow := model.Fields{model.FieldCity: model.String("stale")}

	res := kernel.Decide(a, b, shadow, shadow, model.ManagedFields())
	for _, d := range res.Fields {
		assert.Equal(t, kernel.OpSkip, d.Op, string(d.Field))
	}
	assert.True(t, res.Converged())
}

// Fill-empty asymmetry: with an empty shadow, a value on exactly one side
// always flows toward the empty side and never conflicts.
func TestDecideFillEmptyAsymmetry(t *testing.T) {
	const f = model.FieldPhone
	phone := model.String("+31 6 12345678")

	res := kernel.Decide(fields(f, model.Null()), fields(f, phone), nil, nil, []model.ManagedField{f})
	require.Len(t, res.UpdatesA, 1)
	assert.Equal(t, phone, res.UpdatesA[0].Value)
	assert.Empty(t, res.Conflicts)

	res = kernel.Decide(fields(f, phone), fields(f, model.Null()), nil, nil, []model.ManagedField{f})
	require.Len(t, res.UpdatesB, 1)
	assert.Equal(t, phone, res.UpdatesB[0].Value)
	assert.Empty(t, res.Conflicts)
}

func TestDecideMixedRecord(t *testing.T) {
	a := model.Fields{
		model.FieldFirstName: model.String("Johan"),  // A changed
		model.FieldLastName:  model.String("de Vries"), // unchanged
		model.FieldPhone:     model.Null(),            // B filled
		model.FieldCity:      model.String("Amsterdam"), // conflict
	}
	b := model.Fields{
		model.FieldFirstName: model.String("Jan"),
		model.FieldLastName:  model.String("de Vries"),
		model.FieldPhone:     model.String("+31 6 999"),
		model.FieldCity:      model.String("Rotterdam"),
	}
	shadow := model.Fields{
		model.FieldFirstName: model.String("Jan"),
		model.FieldLastName:  model.String("de Vries"),
		model.FieldCity:      model.String("Utrecht"),
	}

	res := kernel.Decide(a, b, shadow, shadow, model.ManagedFields())

	require.Len(t, res.UpdatesB, 1)
	assert.Equal(t, model.FieldFirstName, res.UpdatesB[0].Field)

	require.Len(t, res.UpdatesA, 1)
	assert.Equal(t, model.FieldPhone, res.UpdatesA[0].Field)
	assert.True(t, res.UpdatesA[0].FillEmpty)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, model.FieldCity, res.Conflicts[0].Field)
	assert.Equal(t, model.String("Amsterdam"), res.Conflicts[0].AValue)
	assert.Equal(t, model.String("Rotterdam"), res.Conflicts[0].BValue)
}
