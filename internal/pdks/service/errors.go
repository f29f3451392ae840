package service

import (
	"errors"
	"fmt"

	"github.com/pdks/engine/internal/pdks/store"
)

// Caller errors. These are the only errors the batch operations return;
// device and storage failures are reported inside the per-item results.
var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrInactiveDevice   = errors.New("device is not active")
	ErrUnknownPersonnel = errors.New("unknown personnel")
	ErrUnknownLocation  = errors.New("unknown location")
	ErrUnknownTempCard  = errors.New("unknown temp card assignment")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// lookupError turns store.ErrNotFound into the given caller error and passes
// anything else through.
func lookupError(err, notFound error, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", notFound, id)
	}
	return err
}
