package turnnode

import (
	"fmt"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	statex "github.com/coffeebeans/dialflow/agent/state"
)

// AppendUserTurn records the user's utterance in history and snapshots
// the session for the rest of the pipeline.
func AppendUserTurn(in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	snapshot, err := store.Mutate(in.SessionID, func(sess *statex.Session) error {
		sess.AppendTurn(statex.RoleUser, in.Text, in.Now)
		sess.Touch(in.Now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	in.Session = snapshot
	return in, nil
}
