// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/bureau-foundation/pushmatrix/lib/ref"
)

var validate = newValidator()

// newValidator reports fields by their YAML names so errors point at
// what the operator wrote.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return fmt.Errorf("validating config: %w", err)
		}
		for _, fieldError := range fieldErrors {
			errs = append(errs, describeFieldError(fieldError))
		}
	}

	if c.Matrix.UserID != "" {
		if _, err := ref.ParseUserID(c.Matrix.UserID); err != nil {
			errs = append(errs, fmt.Errorf("matrix.user_id: %w", err))
		}
	}
	for index, recipient := range c.Room.Recipients {
		if _, err := ref.ParseUserID(recipient); err != nil {
			errs = append(errs, fmt.Errorf("room.recipients[%d]: %w", index, err))
		}
	}
	if c.Identities.Prefix != "" {
		if err := ref.ValidateLocalpart(c.Identities.Prefix); err != nil {
			errs = append(errs, fmt.Errorf("identities.prefix: %w", err))
		}
	}

	return errors.Join(errs...)
}

// describeFieldError turns "Config.matrix.homeserver" + tag into
// "matrix.homeserver: must satisfy http_url".
func describeFieldError(fieldError validator.FieldError) error {
	path := fieldError.Namespace()
	if _, rest, found := strings.Cut(path, "."); found {
		path = rest
	}
	switch fieldError.Tag() {
	case "required":
		return fmt.Errorf("%s is required", path)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %v", path, fieldError.Param(), fieldError.Value())
	}
	if fieldError.Param() != "" {
		return fmt.Errorf("%s must satisfy %s=%s, got %v", path, fieldError.Tag(), fieldError.Param(), fieldError.Value())
	}
	return fmt.Errorf("%s must satisfy %s, got %v", path, fieldError.Tag(), fieldError.Value())
}
