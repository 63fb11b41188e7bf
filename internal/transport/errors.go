package transport

import "fmt"

// transferTimeoutError signals a transfer that missed its deadline even after
// the one permitted fallback. Retriable by the caller.
type transferTimeoutError struct{ id string }

func (e transferTimeoutError) Error() string { return "transfer timeout: " + e.id }

// ErrTransferTimeout constructs a transferTimeoutError for a descriptor id.
func ErrTransferTimeout(id string) error { return transferTimeoutError{id: id} }

// IsTransferTimeout reports whether err indicates a retriable transfer timeout.
func IsTransferTimeout(err error) bool {
	_, ok := err.(transferTimeoutError)
	return ok
}

// transportUnavailableError signals a backend whose hardware or driver
// prerequisite is missing. The factory excludes such backends for the
// lifetime of the process.
type transportUnavailableError struct{ kind Kind }

func (e transportUnavailableError) Error() string {
	return fmt.Sprintf("transport unavailable: %s", e.kind)
}

// ErrTransportUnavailable constructs a transportUnavailableError.
func ErrTransportUnavailable(kind Kind) error { return transportUnavailableError{kind: kind} }

// IsTransportUnavailable reports whether err indicates a missing backend prerequisite.
func IsTransportUnavailable(err error) bool {
	_, ok := err.(transportUnavailableError)
	return ok
}
