// Package validators holds the request validator shared by handlers.
package validators

import (
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/signalhub/engine/internal/models"
)

var (
	once sync.Once
	v    *validator.Validate
)

// New returns the shared validator with the domain tags registered.
func New() *validator.Validate {
	once.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("component_type", func(fl validator.FieldLevel) bool {
			return models.ComponentType(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("change_type", func(fl validator.FieldLevel) bool {
			return models.ChangeType(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("bucket_status", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s == "" || models.BucketStatus(s).Valid()
		})
	})
	return v
}
