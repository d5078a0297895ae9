// Package validator provides input validation for change requests. It
// enforces op-specific shape constraints and returns per-field error
// details.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/internal/ingestion"
)

const (
	maxDatasetLength = 255
	maxRecordBytes   = 1048576
	maxKeyLength     = 255
)

var validOps = map[string]bool{
	"add":    true,
	"update": true,
	"delete": true,
}

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	return strings.Join(parts, "; ")
}

// ValidateChangeRequest checks that the request names a dataset, carries a
// known op, and has the record and position shape that op requires.
func ValidateChangeRequest(req *ingestion.ChangeRequest) error {
	errs := make(map[string]string)

	dataset := strings.TrimSpace(req.Dataset)
	if dataset == "" {
		errs["dataset"] = "dataset is required"
	} else if len(dataset) > maxDatasetLength {
		errs["dataset"] = fmt.Sprintf("dataset must be at most %d characters", maxDatasetLength)
	}

	op := strings.ToLower(strings.TrimSpace(req.Op))
	if !validOps[op] {
		errs["op"] = "op must be one of add, update, delete"
	}

	switch op {
	case "add":
		validateRecord(req.Record, errs)
	case "update":
		validateRecord(req.Record, errs)
		if req.Position < 0 {
			errs["position"] = "position must not be negative"
		}
	case "delete":
		if req.Position < 0 {
			errs["position"] = "position must not be negative"
		}
		if req.Record != nil {
			errs["record"] = "delete must not carry a record"
		}
	}

	if req.IdempotencyKey != "" && len(req.IdempotencyKey) > maxKeyLength {
		errs["idempotency_key"] = fmt.Sprintf("idempotency key must be at most %d characters", maxKeyLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func validateRecord(record map[string]any, errs map[string]string) {
	if len(record) == 0 {
		errs["record"] = "record is required and must not be empty"
		return
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		errs["record"] = "record is not serialisable"
		return
	}
	if len(encoded) > maxRecordBytes {
		errs["record"] = fmt.Sprintf("record must encode to at most %d bytes", maxRecordBytes)
	}
}
