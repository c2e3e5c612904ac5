package repositories

import "fmt"

// MalformedDocumentError reports a stored catalog document whose fields cannot be decoded.
// The backend answered; the data it returned is unusable.
type MalformedDocumentError struct {
	Collection string
	ID         string
	Err        error
}

// Error implements the error interface.
func (e *MalformedDocumentError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("malformed %s document %s: %v", e.Collection, e.ID, e.Err)
}

// Unwrap exposes the decode failure.
func (e *MalformedDocumentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
