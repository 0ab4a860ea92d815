package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// idTimeFormat orders lexicographically by time at millisecond granularity.
const idTimeFormat = "20060102T150405.000"

// NewRunID returns a unique run identifier that sorts by creation time.
// Shape: 20260823T101530.123-3f8a9c2d. The UUID fragment breaks ties between
// concurrent submitters.
func NewRunID(t time.Time) string {
	return t.UTC().Format(idTimeFormat) + "-" + uuidFragment()
}

// NewJobID returns a unique job identifier with the same sortable shape.
func NewJobID(t time.Time) string {
	return "job-" + t.UTC().Format(idTimeFormat) + "-" + uuidFragment()
}

func uuidFragment() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
