package validator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type registerRequest struct {
	Username    string `json:"username" validate:"required,min=2,max=32,handle"`
	DisplayName string `json:"displayName" validate:"required,max=64"`
	Password    string `json:"password" validate:"required,min=8"`
	Note        string
}

func TestValidator_ValidateStruct(t *testing.T) {
	v := New()

	tests := []struct {
		name   string
		input  any
		fields []string
	}{
		{
			name: "Valid",
			input: registerRequest{
				Username:    "grandma_1",
				DisplayName: "Grandma",
				Password:    "correct horse",
			},
		},
		{
			name:   "MissingRequired",
			input:  registerRequest{Password: "correct horse"},
			fields: []string{"username", "displayName"},
		},
		{
			name: "BadHandle",
			input: registerRequest{
				Username:    "Grandma!",
				DisplayName: "Grandma",
				Password:    "correct horse",
			},
			fields: []string{"username"},
		},
		{
			name: "ShortPassword",
			input: registerRequest{
				Username:    "kid",
				DisplayName: "Kid",
				Password:    "short",
			},
			fields: []string{"password"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.ValidateStruct(tt.input)
			var got []string
			for _, e := range errs {
				got = append(got, e.Field)
			}
			if diff := cmp.Diff(tt.fields, got); diff != "" {
				t.Errorf("ValidateStruct() fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		value   any
		tag     string
		wantErr bool
	}{
		{"UUID", "0b6f8a4e-8f8e-4a51-9a57-0e4c1d7c9b11", "uuid", false},
		{"NotUUID", "conversation-1", "uuid", true},
		{"RequiredPresent", "value", "required", false},
		{"RequiredEmpty", "", "required", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(tt.value, tt.tag)
			if tt.wantErr != (len(errs) > 0) {
				t.Errorf("Validate(%v, %q) = %v, wantErr %v", tt.value, tt.tag, errs, tt.wantErr)
			}
		})
	}
}

func TestValidator_Message(t *testing.T) {
	v := New()
	errs := v.ValidateStruct(registerRequest{Username: "ok", DisplayName: "Ok", Password: "1"})
	want := []ValidationError{{Field: "password", Message: "must be at least 8 long"}}
	if diff := cmp.Diff(want, errs); diff != "" {
		t.Errorf("ValidateStruct() mismatch (-want +got):\n%s", diff)
	}
}

func TestNew(t *testing.T) {
	v := New()
	if v == nil || v.cli == nil {
		t.Error("New() returned invalid validator")
	}
}
