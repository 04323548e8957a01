package escrow

import (
	"errors"

	"milestoneescrow/access"
	"milestoneescrow/custody"
	"milestoneescrow/deal"
	"milestoneescrow/milestone"
)

// Every failure returned by Service matches exactly one of these with errors.Is,
// except ErrTransferFailed, which may also carry the ledger's own cause.
var (
	ErrInvalidDealParameters    = deal.ErrInvalidParameters
	ErrDealNotFound             = deal.ErrNotFound
	ErrMilestoneIndexOutOfRange = milestone.ErrIndexOutOfRange
	ErrUnauthorized             = access.ErrUnauthorized
	ErrInvalidState             = errors.New("escrow: invalid state")
	ErrTransferFailed           = custody.ErrTransferFailed
	ErrReentrant                = custody.ErrReentrant
)

// ErrorClass names the taxonomy bucket of err for logs, metrics and HTTP
// mapping. It returns "ok" for nil and "internal" for anything unclassified.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrReentrant):
		return "reentrant"
	case errors.Is(err, ErrInvalidDealParameters):
		return "invalid_deal_parameters"
	case errors.Is(err, ErrDealNotFound):
		return "deal_not_found"
	case errors.Is(err, ErrMilestoneIndexOutOfRange):
		return "milestone_index_out_of_range"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "internal"
	}
}
