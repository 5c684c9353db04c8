package billing

import (
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeDuplicateEvent      = "DUPLICATE_EVENT"
	TextCodeUnresolvedAggregate = "UNRESOLVED_AGGREGATE"
	TextCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	TextCodeDataInconsistency   = "DATA_INCONSISTENCY"
	TextCodeUserUnresolved      = "USER_UNRESOLVED"
	TextCodeInvalidPayload      = "INVALID_PAYLOAD"
)

func billingError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func billingWrapError(source error, category goerrors.Category, message string, code int, textCode string, metadata map[string]any) error {
	if source == nil {
		return billingError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// errDuplicateEvent signals that an event was already handled. Callers treat it
// as a successful no-op.
func errDuplicateEvent(eventID, status string) error {
	return billingError(
		fmt.Sprintf("event %s already recorded with status %s", eventID, status),
		goerrors.CategoryConflict,
		http.StatusConflict,
		TextCodeDuplicateEvent,
		map[string]any{"event_id": eventID, "status": status},
	)
}

func errUnresolvedAggregate(kind, ref string) error {
	return billingError(
		fmt.Sprintf("no local %s for provider reference %q", kind, ref),
		goerrors.CategoryNotFound,
		http.StatusNotFound,
		TextCodeUnresolvedAggregate,
		map[string]any{"aggregate": kind, "ref": ref},
	)
}

func errProviderUnavailable(operation string, err error) error {
	return billingWrapError(
		err,
		goerrors.CategoryExternal,
		fmt.Sprintf("provider call %s failed", operation),
		http.StatusServiceUnavailable,
		TextCodeProviderUnavailable,
		map[string]any{"operation": operation},
	)
}

func errDataInconsistency(message string, metadata map[string]any) error {
	return billingError(
		message,
		goerrors.CategoryValidation,
		http.StatusUnprocessableEntity,
		TextCodeDataInconsistency,
		metadata,
	)
}

func errUserUnresolved(customerRef string) error {
	return billingError(
		fmt.Sprintf("no local user for customer %q", customerRef),
		goerrors.CategoryNotFound,
		http.StatusNotFound,
		TextCodeUserUnresolved,
		map[string]any{"customer_ref": customerRef},
	)
}

func errInvalidPayload(err error) error {
	return billingWrapError(
		err,
		goerrors.CategoryBadInput,
		"event payload is not a valid provider object",
		http.StatusBadRequest,
		TextCodeInvalidPayload,
		nil,
	)
}

// HasTextCode reports whether err carries the given billing text code.
func HasTextCode(err error, textCode string) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == textCode
}

// IsDuplicateEvent reports whether err is the duplicate delivery signal.
func IsDuplicateEvent(err error) bool {
	return HasTextCode(err, TextCodeDuplicateEvent)
}

// errorDetails flattens an error into the JSON stored next to an error entry.
func errorDetails(err error) map[string]any {
	details := map[string]any{"error": err.Error()}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		details["category"] = fmt.Sprint(rich.Category)
		details["text_code"] = rich.TextCode
		details["code"] = rich.Code
	}
	return details
}
