package middleware

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nguyentranbao-ct/chat-client/internal/models"
)

type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	validate := validator.New()

	commonTags := []string{
		"json",
		"param",
		"query",
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range commonTags {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return ""
	})

	// messagekind accepts an empty kind, which defaults to text.
	validate.RegisterValidation("messagekind", func(fl validator.FieldLevel) bool {
		switch models.MessageKind(fl.Field().String()) {
		case "", models.MessageKindText, models.MessageKindImage, models.MessageKindArtwork, models.MessageKindOffer:
			return true
		}
		return false
	})

	return &Validator{validate: validate}
}

func (v *Validator) Validate(i any) error {
	return v.validate.Struct(i)
}
