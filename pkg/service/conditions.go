package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Condition operators form a closed set shared by branch steps and trigger
// predicates.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpContains  = "contains"
	OpGt        = "gt"
	OpLt        = "lt"
	OpExists    = "exists"
)

// ValidOperator reports whether op belongs to the closed operator set.
func ValidOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpGt, OpLt, OpExists:
		return true
	}
	return false
}

// evalOperator compares a resolved field value against the configured value.
// A nil actual value matches nothing except a failed exists check.
func evalOperator(op string, actual any, expected string) (bool, error) {
	if op == OpExists {
		return actual != nil, nil
	}
	if actual == nil {
		return false, nil
	}
	actualStr := fmt.Sprint(actual)
	switch op {
	case OpEquals:
		return actualStr == expected, nil
	case OpNotEquals:
		return actualStr != expected, nil
	case OpContains:
		return strings.Contains(actualStr, expected), nil
	case OpGt, OpLt:
		a, err := strconv.ParseFloat(actualStr, 64)
		if err != nil {
			return false, errors.Wrapf(err, "operator %s: field value %q is not numeric", op, actualStr)
		}
		b, err := strconv.ParseFloat(expected, 64)
		if err != nil {
			return false, errors.Wrapf(err, "operator %s: expected value %q is not numeric", op, expected)
		}
		if op == OpGt {
			return a > b, nil
		}
		return a < b, nil
	}
	return false, errors.Errorf("unknown operator %q", op)
}
