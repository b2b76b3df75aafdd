package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "credentials",
			in:   `{"username":"clerk","password":"hunter2"}`,
			want: `{"username":"clerk","password":"[REDACTED]"}`,
		},
		{
			name: "tokens case insensitive",
			in:   `{"Access_Token":"a","refresh_token":"r","token_type":"bearer","expires_in":3600}`,
			want: `{"Access_Token":"[REDACTED]","refresh_token":"[REDACTED]","token_type":"[REDACTED]","expires_in":3600}`,
		},
		{
			name: "nested",
			in:   `{"records":[{"headers":{"Authorization":"Bearer x"},"status":401}],"client_secret":"s"}`,
			want: `{"records":[{"headers":{"Authorization":"[REDACTED]"},"status":401}],"client_secret":"[REDACTED]"}`,
		},
		{
			name: "no secrets",
			in:   `{"delta":-3,"notes":"recount"}`,
			want: `{"delta":-3,"notes":"recount"}`,
		},
		{
			name: "not json",
			in:   `password=hunter2`,
			want: `"<16 bytes, not JSON>"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(Redact([]byte(tt.in))))
		})
	}
}

func TestRedact_Empty(t *testing.T) {
	assert.Nil(t, Redact(nil))
}
