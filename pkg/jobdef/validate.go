package jobdef

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/jobrunner/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// SchemaID is the schema identifier for job definitions.
const SchemaID = "jobrunner/v1.0.0/job-definition"

// ErrSchemaNotFound indicates the embedded schema is missing.
var ErrSchemaNotFound = errors.New("job definition schema not found")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// SchemaError is a single schema violation.
type SchemaError struct {
	// Path is the JSON pointer to the offending field, e.g. "/output_spec/out.csv".
	Path    string
	Message string
}

func (e SchemaError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// SchemaErrors collects every schema violation of one document. It unwraps
// to ErrInvalidDefinition.
type SchemaErrors []SchemaError

func (e SchemaErrors) Error() string {
	if len(e) == 0 {
		return ErrInvalidDefinition.Error()
	}
	if len(e) == 1 {
		return fmt.Sprintf("%s: %s", ErrInvalidDefinition, e[0].Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d schema errors:", ErrInvalidDefinition, len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e SchemaErrors) Unwrap() error {
	return ErrInvalidDefinition
}

// ValidateRaw checks a JSON document against the job-definition schema.
// Unknown fields are rejected.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs SchemaErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, SchemaError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobDefinitionSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-definition schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobDefinitionSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile job definition schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
