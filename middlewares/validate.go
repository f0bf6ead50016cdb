package middlewares

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// ErrMalformedBody is returned when a request body is not the JSON or form
// payload the handler expects.
var ErrMalformedBody = fiber.NewError(fiber.StatusBadRequest, "malformed request body")

var validate = newValidator()

// newValidator reports fields by their json name so 422 responses use the
// same keys the sender wrote.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(sf reflect.StructField) string {
		name := strings.Split(sf.Tag.Get("json"), ",")[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return sf.Name
		}
		return name
	})
	return v
}

// BindAndValidate parses an operator request body into dst and validates it.
func BindAndValidate(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return ErrMalformedBody
	}
	return validate.Struct(dst)
}

// DecodeAndValidate is BindAndValidate for webhook bodies that are kept raw
// after decoding.
func DecodeAndValidate(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return ErrMalformedBody
	}
	return validate.Struct(dst)
}

func ValidateStruct(v any) error {
	return validate.Struct(v)
}
