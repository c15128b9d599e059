package turnnode

import (
	"fmt"
	"strings"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
)

// FinalizeReply closes the pipeline with the single agent reply.
func FinalizeReply(in *GraphState) (GraphOutput, error) {
	if in == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	reply := strings.TrimSpace(in.Response.Message)
	if reply == "" {
		return GraphOutput{}, fmt.Errorf("%w: empty reply after generation", contractx.ErrValidation)
	}
	return GraphOutput{
		Reply:   reply,
		EndCall: in.Response.Delta.EndCall,
	}, nil
}
