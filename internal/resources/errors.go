package resources

import "errors"

var (
	// ErrInsufficient is returned by Allocate when the budget cannot
	// satisfy every requested resource atomically.
	ErrInsufficient = errors.New("insufficient resources")
	// ErrDoubleReservation is returned when a task attempts to reserve a
	// resource it already holds a reservation for.
	ErrDoubleReservation = errors.New("resource already reserved for task")
)
