package party

import "golang.org/x/xerrors"

// ErrUnauthorizedRole is returned when a role attempts an action its
// capabilities do not cover. Never retried.
var ErrUnauthorizedRole = xerrors.New("role is not authorized for this action")

// Action is a protocol capability checked against the registry table.
type Action string

const (
	ActionOriginateInput   Action = "originate-input-share"
	ActionOriginateModel   Action = "originate-model-share"
	ActionHoldShare        Action = "hold-share"
	ActionOpenMasked       Action = "open-masked"
	ActionSubmitVote       Action = "submit-vote"
	ActionProvideTriples   Action = "provide-triples"
	ActionRevealSign       Action = "reveal-sign"
	ActionReconstructVotes Action = "reconstruct-votes"
	ActionReconstructInput Action = "reconstruct-input"
	ActionReceiveLabels    Action = "receive-labels"
)

// defaultGrants returns the capability set of a role. The aggregator is the
// only role that may reconstruct anything; shareholders may hold shares and
// open masked values between themselves; data owners may only originate
// shares of what they own.
func defaultGrants(role Role) map[Action]struct{} {
	grant := func(actions ...Action) map[Action]struct{} {
		set := make(map[Action]struct{}, len(actions))
		for _, a := range actions {
			set[a] = struct{}{}
		}
		return set
	}

	switch {
	case role == Student:
		return grant(ActionOriginateInput, ActionReceiveLabels)
	case role == ShareholderA || role == ShareholderB:
		return grant(ActionHoldShare, ActionOpenMasked, ActionSubmitVote)
	case role == Aggregator:
		return grant(ActionProvideTriples, ActionRevealSign,
			ActionReconstructVotes, ActionReconstructInput)
	case role.IsTeacher():
		return grant(ActionOriginateModel)
	default:
		return grant()
	}
}
