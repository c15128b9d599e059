package turnnode

import (
	"fmt"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	statex "github.com/coffeebeans/dialflow/agent/state"
)

// ApplyDelta commits the turn in one atomic mutation: slot patch, stage
// advance, the agent turn, and the failure-streak bookkeeping.
func ApplyDelta(in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}

	snapshot, err := store.Mutate(in.SessionID, func(sess *statex.Session) error {
		if in.Fallback {
			sess.FailureStreak++
		} else {
			sess.FailureStreak = 0
		}

		for k, v := range in.Response.Delta.SlotsPatch {
			sess.SetSlot(k, v)
		}

		advance(sess, in.Decision.NextStage)
		advance(sess, in.Response.Delta.AdvanceTo)

		sess.AppendTurn(statex.RoleAgent, in.Response.Message, in.Now)
		sess.Touch(in.Now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	in.Session = snapshot
	return in, nil
}

// advance applies a requested stage move. Illegal moves are dropped: a
// misbehaving policy must not fail the turn, and the table never
// regresses.
func advance(sess *statex.Session, target statex.Stage) {
	if target == "" || target == sess.Stage {
		return
	}
	_ = sess.AdvanceStage(target)
}
