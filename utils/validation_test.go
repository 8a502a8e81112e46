package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testInner struct {
	Method string `json:"method" validate:"required,max=16"`
}

type testRequest struct {
	Request  testInner `json:"request"`
	Resource string    `json:"resource" validate:"required,resource"`
	Phase    string    `json:"phase" validate:"omitempty,oneof=authenticate authorize"`
	Untagged string    `validate:"omitempty,min=3"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		s := testRequest{
			Request:  testInner{Method: "GET"},
			Resource: "https://www.google.com",
			Phase:    "authorize",
		}
		assert.NoError(t, ValidateStruct(&s))
	})

	t.Run("missing required field uses json name", func(t *testing.T) {
		s := testRequest{Request: testInner{Method: "GET"}}

		err := ValidateStruct(&s)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		fields := GetValidationFields(err)
		assert.Equal(t, "resource is required", fields["resource"])
	})

	t.Run("nested field keeps its path", func(t *testing.T) {
		s := testRequest{Resource: "https://www.google.com"}

		fields := GetValidationFields(ValidateStruct(&s))
		assert.Equal(t, "request.method is required", fields["request.method"])
	})

	t.Run("resource name accepted", func(t *testing.T) {
		s := testRequest{Request: testInner{Method: "GET"}, Resource: "billing-db"}
		assert.NoError(t, ValidateStruct(&s))
	})

	t.Run("malformed resource rejected", func(t *testing.T) {
		s := testRequest{Request: testInner{Method: "GET"}, Resource: "billing db"}

		fields := GetValidationFields(ValidateStruct(&s))
		assert.Equal(t, "resource must be a resource name or absolute URL", fields["resource"])
	})

	t.Run("oneof and min", func(t *testing.T) {
		s := testRequest{
			Request:  testInner{Method: "GET"},
			Resource: "https://www.google.com",
			Phase:    "audit",
			Untagged: "ab",
		}

		fields := GetValidationFields(ValidateStruct(&s))
		assert.Equal(t, "phase must be one of: authenticate authorize", fields["phase"])
		assert.Equal(t, "Untagged must be at least 3", fields["Untagged"])
	})
}

func TestValidationError_Details(t *testing.T) {
	err := &ValidationError{Message: "Validation failed", Fields: map[string]string{"resource": "resource is required"}}

	assert.Equal(t, "Validation failed", err.Error())
	assert.Equal(t, map[string]interface{}{"resource": "resource is required"}, err.Details())
}

func TestIsValidationError(t *testing.T) {
	assert.False(t, IsValidationError(assert.AnError))
	assert.Nil(t, GetValidationFields(assert.AnError))
}

func TestValidateUUID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid uuid", input: "550e8400-e29b-41d4-a716-446655440000"},
		{name: "invalid uuid", input: "not-a-uuid", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUUID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateResource(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "absolute url", input: "https://www.google.com"},
		{name: "url with path and query", input: "https://api.example.com/v1/orders?x=1"},
		{name: "resource name", input: "billing-db"},
		{name: "bare host is a name", input: "www.google.com"},
		{name: "path", input: "/orders"},
		{name: "urn", input: "urn:example:orders"},
		{name: "empty string", input: "", wantErr: true},
		{name: "inner whitespace", input: "billing db", wantErr: true},
		{name: "trailing newline", input: "orders\n", wantErr: true},
		{name: "scheme without host", input: "https://", wantErr: true},
		{name: "missing scheme", input: "://orders", wantErr: true},
		{name: "unparseable url", input: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResource(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
