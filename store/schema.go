package store

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/exobridge/errors"
)

//go:embed schemas/plan.schema.json
var planSchemaJSON []byte

var (
	planSchema     *gojsonschema.Schema
	planSchemaErr  error
	planSchemaOnce sync.Once
)

func loadPlanSchema() (*gojsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		planSchema, planSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(planSchemaJSON))
	})
	return planSchema, planSchemaErr
}

// ValidatePlan checks a plan document against the plan schema: an array of
// exercise objects whose repetitions, when present, are non-negative integers.
func ValidatePlan(plan json.RawMessage) error {
	if len(plan) == 0 || string(plan) == "null" {
		return errors.WrapInvalid(fmt.Errorf("%w: plan is required", errors.ErrInvalidData),
			"Store", "ValidatePlan", "check plan")
	}

	schema, err := loadPlanSchema()
	if err != nil {
		return errors.WrapFatal(err, "Store", "ValidatePlan", "load plan schema")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(plan))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"Store", "ValidatePlan", "parse plan")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(msgs, "; ")),
			"Store", "ValidatePlan", "validate plan")
	}
	return nil
}
