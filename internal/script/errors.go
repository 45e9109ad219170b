package script

import (
	"errors"
	"fmt"

	"github.com/zot/script-engine/internal/host"
)

// Sentinel errors for extraction, instantiation and reload.
// Callers match with errors.Is; wrapped messages carry the detail.
var (
	// ErrClassNotFound means no class matching the script's convention was
	// declared by the source.
	ErrClassNotFound = errors.New("script class not found")

	// ErrInvalidBaseChain means the declared base forms a cycle through
	// loaded scripts, or the chain does not bottom out in a registered
	// native class.
	ErrInvalidBaseChain = errors.New("invalid base chain")

	// ErrNotInstantiable means the script is invalid, abstract, or an
	// unbound generic definition.
	ErrNotInstantiable = errors.New("script is not instantiable")

	// ErrConstructorMismatch means constructor arguments did not match the
	// class constructor.
	ErrConstructorMismatch = errors.New("constructor argument mismatch")

	// ErrReloadAborted means extraction failed mid-reload; the script fell
	// back to the invalidated state and live instances were left untouched.
	ErrReloadAborted = errors.New("reload aborted")
)

// RestoreWarning records one non-fatal failure while replaying backed-up
// state into a recreated instance.
type RestoreWarning struct {
	Owner    host.ObjectID
	Property string
	Reason   string
}

func (w RestoreWarning) String() string {
	return fmt.Sprintf("object %d: property %q: %s", w.Owner, w.Property, w.Reason)
}
