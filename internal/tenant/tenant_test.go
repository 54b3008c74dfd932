package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenant_Scope(t *testing.T) {
	sc := Tenant{ID: "shop-42"}.Scope(5)

	assert.Equal(t, "shop-42", sc.TenantID)
	assert.Equal(t, "tenant_shop_42", sc.Schema)
	assert.Equal(t, 5, sc.MaxRetries)
	require.NoError(t, sc.Validate())

	custom := Tenant{ID: "acme", SchemaName: "acme_store", MaxRetries: 2}.Scope(5)
	assert.Equal(t, "acme_store", custom.Schema)
	assert.Equal(t, 2, custom.MaxRetries)
}

func TestScope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		scope   Scope
		wantErr bool
	}{
		{"valid", Scope{TenantID: "a", Schema: "tenant_a"}, false},
		{"missing tenant", Scope{Schema: "tenant_a"}, true},
		{"injection attempt", Scope{TenantID: "a", Schema: "x; drop table jobs"}, true},
		{"uppercase schema", Scope{TenantID: "a", Schema: "Tenant"}, true},
		{"empty schema", Scope{TenantID: "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scope.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidScope)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultSchema(t *testing.T) {
	assert.Equal(t, "tenant_abc", DefaultSchema("ABC"))
	assert.Equal(t, "tenant_a_b", DefaultSchema("a.b"))
	assert.Len(t, DefaultSchema(string(make([]byte, 100))), 63)
}
