package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
)

type loginRequest struct {
	Username string `json:"username" validate:"notblank"`
	Password string `json:"password" validate:"required,min=4"`
}

func TestStruct(t *testing.T) {
	if err := Struct(loginRequest{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("valid request: %v", err)
	}

	err := Struct(loginRequest{Username: "   ", Password: "x"})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	got := map[string]string{}
	for _, f := range ve.Fields {
		got[f.Field] = f.Error
	}
	if got["username"] != "this field cannot be blank" {
		t.Errorf("username error = %q", got["username"])
	}
	if got["password"] == "" {
		t.Errorf("missing password error in %+v", ve.Fields)
	}
}

func TestVarDivesIntoAnswers(t *testing.T) {
	answers := []model.StructuredAnswer{
		{Question: "2+2", UserAnswer: "4", Status: model.StatusCorrect},
		{Question: "", UserAnswer: "x", Status: "maybe"},
	}
	err := Var("answers", answers, "required,min=1,dive")
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(ve.Fields) != 2 {
		t.Fatalf("fields = %+v, want 2", ve.Fields)
	}
	for _, f := range ve.Fields {
		if !strings.HasPrefix(f.Field, "answers") ||
			!(strings.HasSuffix(f.Field, "question") || strings.HasSuffix(f.Field, "status")) {
			t.Errorf("unexpected field %q", f.Field)
		}
	}

	if err := Var("answers", []model.StructuredAnswer{}, "required,min=1,dive"); !apperr.IsValidation(err) {
		t.Errorf("empty answers err = %v, want ValidationError", err)
	}
}
