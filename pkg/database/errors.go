package database

import (
	"strings"

	"github.com/lib/pq"
	"github.com/vialpoint/vialpoint-backend/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return errors.Conflict(formatConstraintMessage(pqErr))

	// Foreign key violation (23503)
	case "23503":
		return errors.BadRequest("referenced record does not exist")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// mapCheckConstraint maps specific CHECK constraint names to user-friendly messages.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "quantity_non_negative"):
		return errors.InsufficientQuantity("0", "requested")

	case strings.Contains(constraint, "units_non_negative"):
		return errors.InsufficientQuantity("0", "requested")

	case strings.Contains(constraint, "lot_status_valid"):
		return errors.Validation(map[string]string{
			"status": "must be one of: available, quarantined, recalled, expired, depleted",
		})

	case strings.Contains(constraint, "vial_status_valid"):
		return errors.Validation(map[string]string{
			"status": "must be one of: active, depleted, expired, discarded",
		})

	case strings.Contains(constraint, "transaction_type_valid"):
		return errors.Validation(map[string]string{
			"transaction_type": "must be one of: receipt, treatment_use, manual_adjustment, waste",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations.
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "lot_number"):
		return "a lot with this lot number already exists for this product"
	case strings.Contains(constraint, "vial_number"):
		return "a vial with this vial number already exists for this lot"
	case strings.Contains(constraint, "chart_id"):
		return "this chart has already been processed"
	case strings.Contains(constraint, "sku"):
		return "a product with this SKU already exists"
	default:
		return "a record with these values already exists"
	}
}
