package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/praxis-crm/syncbridge/internal/model"
)

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		have model.Role
		want model.Role
		ok   bool
	}{
		{model.RoleService, model.RoleAdmin, true},
		{model.RoleService, model.RoleOperator, true},
		{model.RoleAdmin, model.RoleAdmin, true},
		{model.RoleAdmin, model.RoleOperator, true},
		{model.RoleAdmin, model.RoleService, false},
		{model.RoleOperator, model.RoleAdmin, false},
		{model.Role("bogus"), model.RoleOperator, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, model.RoleAtLeast(tt.have, tt.want),
			"have=%s want=%s", tt.have, tt.want)
	}
}

func TestRoleValid(t *testing.T) {
	assert.True(t, model.RoleAdmin.Valid())
	assert.True(t, model.RoleService.Valid())
	assert.True(t, model.RoleOperator.Valid())
	assert.False(t, model.Role("root").Valid())
	assert.False(t, model.Role("").Valid())
}
