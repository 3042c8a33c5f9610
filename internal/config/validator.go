package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers LedgerGate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: validates Go duration strings like "60s" or "5m"
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration validates a positive Go duration string.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	// Create validator with required struct enabled
	v := validator.New(validator.WithRequiredStructEnabled())

	// Register custom validators
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: quota overrides must be unambiguous
	if err := c.validateActionOverrides(); err != nil {
		return err
	}

	// Cross-field validation: API key hashes must be unique
	if err := c.validateAPIKeyUniqueness(); err != nil {
		return err
	}

	return nil
}

// validateActionOverrides ensures each action is overridden at most once.
func (c *Config) validateActionOverrides() error {
	seen := make(map[string]struct{}, len(c.RateLimit.Actions))
	for i, override := range c.RateLimit.Actions {
		if _, dup := seen[override.Action]; dup {
			return fmt.Errorf("rate_limit.actions[%d]: duplicate override for action: %s", i, override.Action)
		}
		seen[override.Action] = struct{}{}
	}
	return nil
}

// validateAPIKeyUniqueness ensures no two API keys share a hash, which would
// make the user attribution of a request ambiguous.
func (c *Config) validateAPIKeyUniqueness() error {
	seen := make(map[string]struct{}, len(c.Auth.APIKeys))
	for i, key := range c.Auth.APIKeys {
		if _, dup := seen[key.KeyHash]; dup {
			return fmt.Errorf("auth.api_keys[%d]: duplicate key_hash", i)
		}
		seen[key.KeyHash] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration like \"60s\" or \"5m\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
