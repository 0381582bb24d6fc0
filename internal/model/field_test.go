package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-crm/syncbridge/internal/model"
)

func TestFieldValueNorm(t *testing.T) {
	tests := []struct {
		name string
		in   model.FieldValue
		want string
	}{
		{"null", model.Null(), ""},
		{"empty string", model.String(""), ""},
		{"whitespace only", model.String("   "), ""},
		{"trimmed", model.String("  Utrecht "), "utrecht"},
		{"lower-cased", model.String("Amsterdam"), "amsterdam"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Norm())
			assert.Equal(t, tt.want == "", tt.in.IsEmpty())
		})
	}
}

func TestFieldValueEqualIsCaseInsensitive(t *testing.T) {
	assert.True(t, model.String("Jan").Equal(model.String("  jan ")))
	assert.True(t, model.Null().Equal(model.String("  ")))
	assert.False(t, model.String("Jan").Equal(model.String("Johan")))
}

func TestFieldValueJSONRoundTrip(t *testing.T) {
	type doc struct {
		Phone model.FieldValue `json:"phone"`
		City  model.FieldValue `json:"city"`
	}

	out, err := json.Marshal(doc{Phone: model.Null(), City: model.String("Utrecht")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"phone":null,"city":"Utrecht"}`, string(out))

	var in doc
	require.NoError(t, json.Unmarshal(out, &in))
	assert.False(t, in.Phone.Valid)
	assert.Equal(t, model.String("Utrecht"), in.City)
}

func TestCanonicalEmail(t *testing.T) {
	assert.Equal(t, "jan@example.com", model.CanonicalEmail("  Jan@Example.COM "))
	assert.True(t, model.ValidEmail("jan@example.com"))
	assert.False(t, model.ValidEmail("not-an-email"))
	assert.False(t, model.ValidEmail("@example.com"))
	assert.False(t, model.ValidEmail("jan@"))
}

func TestParseManagedField(t *testing.T) {
	f, err := model.ParseManagedField("city")
	require.NoError(t, err)
	assert.Equal(t, model.FieldCity, f)

	_, err = model.ParseManagedField("email")
	assert.Error(t, err)
}

func TestRoleAtLeastOrdering(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleService, model.RoleAdmin))
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleAdmin))
	assert.False(t, model.RoleAtLeast(model.RoleOperator, model.RoleAdmin))
	assert.False(t, model.RoleAtLeast(model.Role("unknown"), model.RoleOperator))
}

func TestSubscriberStatusSubscribed(t *testing.T) {
	assert.True(t, model.StatusActive.Subscribed())
	for _, s := range []model.SubscriberStatus{
		model.StatusUnsubscribed, model.StatusUnconfirmed, model.StatusBounced, model.StatusJunk,
	} {
		assert.False(t, s.Subscribed(), string(s))
	}
}
