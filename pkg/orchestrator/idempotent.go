package orchestrator

// IsNotFound is implemented by backend-specific "missing object" errors so
// the helpers below can treat delete-of-missing as success and
// create-on-race as success without either backend leaking its own
// vocabulary upward (spec.md §9).
type IsNotFound interface {
	NotFound() bool
}

// notFound reports whether err implements IsNotFound and represents a
// "no such object" condition.
func notFound(err error) bool {
	if err == nil {
		return false
	}
	nf, ok := err.(IsNotFound)
	return ok && nf.NotFound()
}

// AlreadyExists is implemented by backend-specific "object already exists"
// errors, so a racing create can be treated as success.
type AlreadyExists interface {
	AlreadyExists() bool
}

func alreadyExists(err error) bool {
	if err == nil {
		return false
	}
	ae, ok := err.(AlreadyExists)
	return ok && ae.AlreadyExists()
}

// Tolerate converts a "not found" error from a delete operation into nil,
// and an "already exists" error from a create operation into nil. Neither
// backend calls it: each checks its own not-found/already-exists errors
// inside its create/delete methods, so C4-C8 still never need
// backend-specific error checks.
func Tolerate(err error) error {
	if notFound(err) || alreadyExists(err) {
		return nil
	}
	return err
}
