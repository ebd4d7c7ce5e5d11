package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	return v
}

// Validate checks struct tags and cross-field rules. It expects defaults to
// be applied.
func Validate(c *Config) error {
	if c == nil {
		return &ValidationError{Problems: []string{"config is nil"}}
	}
	var problems []string

	if err := validate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return err
		}
		for _, fe := range ves {
			problems = append(problems, describe(fe))
		}
	}

	durations := []struct {
		path string
		raw  string
		min  time.Duration
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout, time.Second},
		{"twitch.timeout", c.Twitch.Timeout, 100 * time.Millisecond},
		{"monitor.interval", c.Monitor.Interval, time.Second},
		{"storage.busy_timeout", c.Storage.BusyTimeout, 0},
		{"notifier.timeout", c.Notifier.Timeout, 100 * time.Millisecond},
		{"commands.timeout", c.Commands.Timeout, 0},
		{"commands.confirm_ttl", c.Commands.ConfirmTTL, time.Second},
		{"ops.read_timeout", c.Ops.ReadTimeout, 0},
		{"ops.write_timeout", c.Ops.WriteTimeout, 0},
		{"ops.idle_timeout", c.Ops.IdleTimeout, 0},
	}
	for _, d := range durations {
		if err := checkDuration(d.path, d.raw, d.min); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.DatabaseURL) == "" {
		problems = append(problems, "storage.database_url: required for the postgres driver")
	}
	if c.Notifier.Backend == "apprise" && strings.TrimSpace(c.Notifier.AppriseURL) == "" {
		problems = append(problems, "notifier.apprise_url: required for the apprise backend")
	}
	if c.Logging.Admin.Enabled && c.Telegram.AdminChatID == 0 {
		problems = append(problems, "telegram.admin_chat_id: required when logging.admin is enabled")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func checkDuration(path, raw string, floor time.Duration) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return fmt.Errorf("%s: duration must be >= 0", path)
	}
	if floor > 0 && d < floor {
		return fmt.Errorf("%s: must be at least %s", path, floor)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + ": required"
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", field, fe.Param())
	case "url":
		return field + ": must be a URL"
	case "hostname_port":
		return field + ": must be host:port"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s: failed %s", field, fe.Tag())
	}
}
