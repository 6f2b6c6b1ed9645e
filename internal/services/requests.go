// Package services exposes the caller-facing stream operations: record and
// index queries, period changes, and taxonomy description. It validates
// requests and drives the computation engine; it never touches storage
// directly beyond the engine's read interface.
package services

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"streamcalc/internal/errors"
)

var (
	// Provider addresses are fixed-length hex, stream ids fixed-length
	// with an "st" prefix.
	providerRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	streamIDRe = regexp.MustCompile(`^st[a-z0-9]{30}$`)
)

// RecordRequest selects a record query window. Nil From and To together
// select latest mode; FrozenAt pins a transaction-time snapshot.
type RecordRequest struct {
	Provider string `json:"data_provider" validate:"required,provider_address"`
	StreamID string `json:"stream_id" validate:"required,stream_id"`
	From     *int64 `json:"from,omitempty"`
	To       *int64 `json:"to,omitempty"`
	FrozenAt *int64 `json:"frozen_at,omitempty"`
}

// IndexRequest selects an index query window. BaseTime overrides the
// stream's default_base_time metadata.
type IndexRequest struct {
	Provider string `json:"data_provider" validate:"required,provider_address"`
	StreamID string `json:"stream_id" validate:"required,stream_id"`
	From     *int64 `json:"from,omitempty"`
	To       *int64 `json:"to,omitempty"`
	FrozenAt *int64 `json:"frozen_at,omitempty"`
	BaseTime *int64 `json:"base_time,omitempty"`
}

// IndexChangeRequest selects a period-over-period index comparison. The
// window bounds are required and the interval must be positive.
type IndexChangeRequest struct {
	Provider string `json:"data_provider" validate:"required,provider_address"`
	StreamID string `json:"stream_id" validate:"required,stream_id"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Interval int64  `json:"interval" validate:"gt=0"`
	FrozenAt *int64 `json:"frozen_at,omitempty"`
	BaseTime *int64 `json:"base_time,omitempty"`
}

// TaxonomyRequest selects a taxonomy description. LatestOnly restricts the
// result to the current (highest group_sequence) definition.
type TaxonomyRequest struct {
	Provider   string `json:"data_provider" validate:"required,provider_address"`
	StreamID   string `json:"stream_id" validate:"required,stream_id"`
	LatestOnly bool   `json:"latest_only"`
}

// TaxonomyEntry is one child of a composed stream's taxonomy.
type TaxonomyEntry struct {
	ChildProvider string `json:"child_data_provider"`
	ChildStreamID string `json:"child_stream_id"`
	Weight        string `json:"weight"`
	GroupSequence int64  `json:"group_sequence"`
	StartTime     int64  `json:"start_time"`
	CreatedAt     int64  `json:"created_at"`
}

// newValidator builds the request validator with the domain formats
// registered.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("provider_address", func(fl validator.FieldLevel) bool {
		return providerRe.MatchString(fl.Field().String())
	})
	v.RegisterValidation("stream_id", func(fl validator.FieldLevel) bool {
		return streamIDRe.MatchString(fl.Field().String())
	})
	return v
}

// checkWindow enforces from <= to when both bounds are present.
func checkWindow(from, to *int64) error {
	if from != nil && to != nil && *from > *to {
		return errors.Validation(fmt.Sprintf("from (%d) must not exceed to (%d)", *from, *to))
	}
	return nil
}

// validationError converts validator output into a domain error.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return errors.Validation(fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag()))
	}
	return errors.Validation(err.Error())
}
