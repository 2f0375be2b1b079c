package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report json names so errors point at config keys.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		validate = v
	})
	return validate
}

// Validate checks struct tags and cross-field rules. The returned error lists
// every failing key.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err)
		}
	}

	seen := map[string]bool{}
	for i, p := range cfg.Sources.Chain {
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("sources.chain[%d]: duplicate provider %q", i, p.Name))
		}
		seen[p.Name] = true
	}
	if cfg.Sources.MaxBytes > 0 && cfg.Sources.MinFullBytes >= cfg.Sources.MaxBytes {
		errs = append(errs, fmt.Errorf("sources.min_full_bytes must be < sources.max_bytes"))
	}
	if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Telegram.LogChat) == "" {
		errs = append(errs, fmt.Errorf("logging.chat.enabled requires telegram.log_chat"))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	// Namespace is "Config.sources.chain[0].name"; drop the root type.
	key := fe.Namespace()
	if _, rest, ok := strings.Cut(key, "."); ok {
		key = rest
	}
	switch fe.Tag() {
	case "duration":
		return fmt.Errorf("%s: invalid duration %q", key, fe.Value())
	case "timezone":
		return fmt.Errorf("%s: unknown time zone %q", key, fe.Value())
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s], got %v", key, fe.Param(), fe.Value())
	case "required", "required_if":
		return fmt.Errorf("%s: required", key)
	default:
		if fe.Param() != "" {
			return fmt.Errorf("%s: failed %s=%s (got %v)", key, fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("%s: failed %s (got %v)", key, fe.Tag(), fe.Value())
	}
}
