package config

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/metalagman/anchor/internal/schema"
)

//go:embed schema.json
var schemaJSON string

var settingsSchema = schema.MustCompile(schemaJSON)

// ValidateSettings checks raw settings, as read by viper, against the
// embedded config schema.
func ValidateSettings(settings map[string]any) error {
	if errs := settingsSchema.ValidateValue(settings); len(errs) > 0 {
		return fmt.Errorf("config schema validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
