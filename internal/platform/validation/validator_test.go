package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator(t *testing.T) {
	tests := []struct {
		name   string
		build  func(v *Validator)
		fields []string
	}{
		{
			name: "valid",
			build: func(v *Validator) {
				v.Required("pro", "name").Email("a@b.io", "email").Currency("usd", "currency").Range(20, 1, 100, "percent_off")
			},
		},
		{
			name: "first problem per field wins",
			build: func(v *Validator) {
				v.Required("", "email").Email("", "email")
			},
			fields: []string{"email"},
		},
		{
			name: "several fields",
			build: func(v *Validator) {
				v.Currency("dollars", "currency").Min(-1, 0, "price_cents").Password("short", 8, "password")
			},
			fields: []string{"currency", "price_cents", "password"},
		},
		{
			name: "password needs a digit",
			build: func(v *Validator) {
				v.Password("onlyletters", 8, "password")
			},
			fields: []string{"password"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			tt.build(v)
			err := v.Err()
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			var verr *Error
			require.True(t, errors.As(err, &verr))
			assert.Len(t, verr.Fields, len(tt.fields))
			for _, f := range tt.fields {
				assert.Contains(t, verr.Fields, f)
			}
		})
	}
}

func TestError_MessageIsStable(t *testing.T) {
	err := &Error{Fields: map[string]string{"b": "b is required", "a": "a is required"}}
	assert.Equal(t, "a is required; b is required", err.Error())
}
