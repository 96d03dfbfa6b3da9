package transfer

import "fmt"

// ResourceNotFoundError indicates the transfer endpoint reported the
// requested leaf resource as absent
type ResourceNotFoundError struct {
	LeafResourceID string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("Resource %q not found", e.LeafResourceID)
}

// TransferFailedError indicates a non-success transfer response other than
// not-found. It carries the status code and, when present, the response
// body text.
type TransferFailedError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *TransferFailedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("Request to %s failed (%d) with no body", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("Request to %s failed (%d) with body:\n%s", e.URL, e.StatusCode, e.Body)
}
