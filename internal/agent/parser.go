package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/imkarma/prp/internal/backlog"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n(.*?)\\n?```")

// ExtractJSON finds the JSON document in free-form agent output. A fenced
// ```json block wins; otherwise the outermost object or array is used.
func ExtractJSON(output string) (string, error) {
	for _, m := range fencedJSON.FindAllStringSubmatch(output, -1) {
		body := strings.TrimSpace(m[1])
		if json.Valid([]byte(body)) {
			return body, nil
		}
	}

	trimmed := strings.TrimSpace(output)
	if json.Valid([]byte(trimmed)) && trimmed != "" {
		return trimmed, nil
	}

	start := strings.IndexAny(output, "{[")
	if start < 0 {
		return "", errors.New("no JSON document in output")
	}
	closer := "}"
	if output[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(output, closer)
	if end <= start {
		return "", errors.New("unterminated JSON document in output")
	}
	body := output[start : end+1]
	if !json.Valid([]byte(body)) {
		return "", errors.New("malformed JSON document in output")
	}
	return body, nil
}

// Decode extracts the JSON document from output into out and validates it.
// Values with a Validate method are checked with it; other structs go
// through the shared struct validator. out is only written when the
// document is accepted, so a rejected attempt leaves nothing behind.
func Decode(output string, out any) error {
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", out)
	}
	body, err := ExtractJSON(output)
	if err != nil {
		return err
	}

	fresh := reflect.New(target.Elem().Type())
	candidate := fresh.Interface()
	if err := json.Unmarshal([]byte(body), candidate); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := validateDecoded(candidate); err != nil {
		return err
	}
	target.Elem().Set(fresh.Elem())
	return nil
}

func validateDecoded(v any) error {
	if val, ok := v.(interface{ Validate() error }); ok {
		return val.Validate()
	}
	if err := backlog.Validator().Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return fmt.Errorf("validate response: %w", err)
	}
	return nil
}

// ParseBlocked extracts a BLOCKED reason from agent output.
func ParseBlocked(output string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), "BLOCKED:") {
			return strings.TrimSpace(trimmed[8:])
		}
	}
	return ""
}
