package guard

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when another node already signs for the identity
var ErrConflict = errors.New("double-sign conflict")

// ConflictError names the node that currently holds the signing lock
type ConflictError struct {
	IdentityID      string
	ActiveNodeID    string
	CandidateNodeID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity %s is already signing on node %s; refusing to activate %s",
		e.IdentityID, e.ActiveNodeID, e.CandidateNodeID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
