package entry

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var gridCoordsPattern = regexp.MustCompile(`^\d+,\d+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()

		// Report failures under the form field names.
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return field.Name
			}
			return name
		})

		validate.RegisterValidation("gridcoords", func(fl validator.FieldLevel) bool {
			return gridCoordsPattern.MatchString(fl.Field().String())
		})

		validate.RegisterValidation("scaninterval", func(fl validator.FieldLevel) bool {
			return fl.Field().Int() >= int64(MinScanInterval)
		})
	})
	return validate
}

// ValidationError maps form field names to the rule they failed.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, e.Fields[k])
	}
	return "invalid configuration: " + strings.Join(parts, ", ")
}

// Validate checks o against the field rules.
func (o Options) Validate() error {
	err := validatorInstance().Struct(o)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate options: %w", err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		// dive errors are reported as name[i]
		if idx := strings.IndexByte(field, '['); idx > 0 {
			field = field[:idx]
		}
		if _, exists := fields[field]; !exists {
			fields[field] = fe.Tag()
		}
	}
	return &ValidationError{Fields: fields}
}
