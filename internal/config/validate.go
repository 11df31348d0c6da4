package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"orderbot/internal/shift"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			_, err := parseDuration(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
			_, err := shift.ParseSchedule(fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

// Validate checks field constraints and cross-section rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	if err := validatorInstance().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if cfg.Logging.Telegram.Enabled {
		if !cfg.Telegram.Enabled {
			return fmt.Errorf("%w: logging.telegram requires telegram.enabled", ErrInvalid)
		}
		if strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
			return fmt.Errorf("%w: logging.telegram requires telegram.group_log", ErrInvalid)
		}
	}
	if cfg.Notifier.Enabled && !cfg.Telegram.Enabled {
		return fmt.Errorf("%w: notifier requires telegram.enabled", ErrInvalid)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return fmt.Errorf("%w: logging.file.path required when logging.file.enabled", ErrInvalid)
	}
	if st := cfg.Storage; st != nil {
		d := StorageDriver(st)
		if d != "none" && strings.TrimSpace(st.Path) == "" {
			return fmt.Errorf("%w: storage.path required for driver %q", ErrInvalid, d)
		}
	}
	seen := map[string]bool{}
	for _, e := range cfg.Shifts.Entries {
		if seen[e.Name] {
			return fmt.Errorf("%w: shifts.entries: duplicate name %q", ErrInvalid, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return path + " is required"
	case "duration":
		return fmt.Sprintf("%s: invalid duration %q", path, fe.Value())
	case "schedule":
		return fmt.Sprintf("%s: invalid schedule %q", path, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", path, fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", path, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", path, fe.Tag())
	}
}

// StorageDriver returns the normalized driver of a storage section; nil or
// empty means "none".
func StorageDriver(st *StorageConfig) string {
	if st == nil {
		return "none"
	}
	switch d := strings.ToLower(strings.TrimSpace(st.Driver)); d {
	case "":
		return "none"
	case "sqlite3":
		return "sqlite"
	default:
		return d
	}
}
