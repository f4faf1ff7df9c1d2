package middleware

import (
	"reflect"
	"testing"

	"github.com/casetrace/backend/pkg/common"

	"github.com/golang-jwt/jwt/v5"
)

func TestUserFromClaims(t *testing.T) {
	tests := []struct {
		name      string
		claims    jwt.MapClaims
		wantErr   bool
		wantScope common.Scope
		wantPerms []string
	}{
		{
			name:      "analyst limited to one case",
			claims:    jwt.MapClaims{"id": "42", "permissions": []any{"records.view"}, "case_files": []any{"case1/"}},
			wantScope: common.Scope{SourceFiles: []string{"case1/"}},
			wantPerms: []string{"records.view"},
		},
		{
			name:      "numeric id without cases sees nothing",
			claims:    jwt.MapClaims{"id": float64(7)},
			wantScope: common.Scope{},
			wantPerms: nil,
		},
		{
			name:      "admin defaults",
			claims:    jwt.MapClaims{"id": "1", "role": "admin"},
			wantScope: common.AllowAll(),
			wantPerms: allPermissions,
		},
		{
			name:      "all cases restricted to messages",
			claims:    jwt.MapClaims{"id": "3", "all_cases": true, "record_types": []any{"message"}},
			wantScope: common.Scope{All: true, RecordTypes: []common.RecordType{common.RecordMessage}},
			wantPerms: nil,
		},
		{
			name:    "missing id",
			claims:  jwt.MapClaims{"role": "admin"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := userFromClaims(tt.claims)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(user.Scope, tt.wantScope) {
				t.Fatalf("expected scope %+v, got %+v", tt.wantScope, user.Scope)
			}
			if !reflect.DeepEqual(user.Permissions, tt.wantPerms) {
				t.Fatalf("expected permissions %v, got %v", tt.wantPerms, user.Permissions)
			}
		})
	}
}
