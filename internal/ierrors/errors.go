// Package ierrors defines the sentinel errors shared across narrative-knowledge's
// packages. Callers should match against these with errors.Is; wrapping call
// sites add their own context with fmt.Errorf("%w", ...).
package ierrors

import "errors"

var (
	// ErrNotFound indicates a requested row or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a content-addressed row already exists.
	ErrDuplicate = errors.New("duplicate")

	// ErrInvalidInput indicates caller-supplied data failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConnectionLost indicates a tenant or local database connection was
	// dropped mid-operation and the caller may retry.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnsupportedSourceType indicates content extraction was asked to
	// process a MIME type or file extension it has no extractor for.
	ErrUnsupportedSourceType = errors.New("unsupported source type")

	// ErrExtractionFailed indicates a registered extractor ran but could not
	// produce usable text from the source.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrNoPendingTasks indicates the build scheduler found nothing in
	// pending or processing state to pick up.
	ErrNoPendingTasks = errors.New("no pending build tasks")

	// ErrBlueprintIncomplete indicates a cognitive map or blueprint stage
	// returned a response that did not satisfy the expected shape.
	ErrBlueprintIncomplete = errors.New("blueprint incomplete")

	// ErrJSONExtraction indicates an LLM response contained no parseable
	// JSON object after a repair attempt.
	ErrJSONExtraction = errors.New("no parseable json in response")

	// ErrCircuitOpen indicates a resilience.CircuitBreaker rejected a call
	// because it is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrTenantURIRequired indicates an operation needs a tenant database
	// URI but received an empty string where one was mandatory.
	ErrTenantURIRequired = errors.New("tenant database uri required")

	// ErrValidation is the closed taxonomy entry for caller-supplied upload
	// preconditions failing (spec.md §7): bad extensions, oversize files,
	// mismatched/duplicate links. Surfaced to HTTP clients as 400.
	ErrValidation = errors.New("validation failed")

	// ErrStoreUnavailable indicates the Store Registry could not reach a
	// tenant database at all (as opposed to a query failing once
	// connected). Surfaced as 400/503; the scheduler logs and skips.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrLLM indicates an LLM.Generate call failed; the graph builder and
	// the optimizer wrap the provider's error with it, per spec.md §7's
	// ErrLLM row.
	ErrLLM = errors.New("llm generation failed")

	// ErrBuild indicates a Graph Builder Core run failed; the enclosing
	// GraphBuildStatus rows are marked failed with this error's message and
	// are not retried automatically.
	ErrBuild = errors.New("graph build failed")

	// ErrOptimizer indicates a Quality Optimizer resolver failed to apply
	// an issue; the issue is left unresolved in the state file so the next
	// run retries it.
	ErrOptimizer = errors.New("optimizer processing failed")
)
