package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/coffeebeans/dialflow/agent/contract"
	statex "github.com/coffeebeans/dialflow/agent/state"
)

// Generator adapts an eino chat model to the contract.Generator
// capability the router and workers consume.
type Generator struct {
	model model.BaseChatModel
}

var _ contractx.Generator = (*Generator)(nil)

// NewGenerator builds the production generator for one component.
func NewGenerator(ctx context.Context, cfg Config, component Component) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	orCfg := cfg.OpenRouterFor(component)
	m, err := orCfg.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create model for component=%s: %v", contractx.ErrGeneration, component, err)
	}
	return &Generator{model: m}, nil
}

func (g *Generator) Generate(ctx context.Context, req contractx.GenerateRequest) (string, error) {
	msgs := make([]*schema.Message, 0, len(req.History)+2)
	msgs = append(msgs, schema.SystemMessage(req.System))
	if strings.TrimSpace(req.Context) != "" {
		msgs = append(msgs, schema.SystemMessage(req.Context))
	}
	for _, t := range req.History {
		switch t.Role {
		case statex.RoleUser:
			msgs = append(msgs, schema.UserMessage(t.Content))
		case statex.RoleAgent:
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		}
	}

	out, err := g.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contractx.ErrGeneration, err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", contractx.ErrGeneration)
	}
	return out.Content, nil
}
