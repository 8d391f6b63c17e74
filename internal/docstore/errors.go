package docstore

import (
	"fmt"

	appErr "github.com/xxxsen/mrag/internal/pkg/errors"
)

var ErrNoChunks = fmt.Errorf("%w: document has no chunks", appErr.ErrInvalid)

const (
	StepCheck          = "check"
	StepAdd            = "add"
	StepReplace        = "replace"
	StepStage          = "stage"
	StepDeleteOriginal = "delete_original"
	StepVerifyStaging  = "verify_staging"
	StepPromote        = "promote"
)

// ReplaceError reports a failed add or replace. Lost is true when the previous
// version of the document is gone and the new one was not stored either.
type ReplaceError struct {
	DocID string
	Step  string
	Lost  bool
	Err   error
}

func (e *ReplaceError) Error() string {
	state := "original preserved"
	if e.Lost {
		state = "document lost"
	}
	return fmt.Sprintf("store document %s failed at %s (%s): %v", e.DocID, e.Step, state, e.Err)
}

func (e *ReplaceError) Unwrap() []error {
	return []error{appErr.ErrStoreFailure, e.Err}
}
