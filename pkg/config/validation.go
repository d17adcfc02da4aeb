package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags and
// the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(errs))
		}
		return err
	}

	if cfg.Auth.ServiceURL != "" && (cfg.Auth.User == "" || cfg.Auth.Password == "") {
		return fmt.Errorf("auth.user and auth.password are required when auth.service_url is set")
	}
	return nil
}

func formatValidationErrors(errs validator.ValidationErrors) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = fmt.Sprintf("%s failed %q validation", e.Namespace(), e.Tag())
	}
	return strings.Join(msgs, "; ")
}
