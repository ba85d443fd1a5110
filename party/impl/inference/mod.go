package inference

import (
	"context"
	"fmt"

	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/mpc"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// NewOrchestrator returns the shared-model forward-pass driver of one
// shareholder.
func NewOrchestrator(conf *party.Configuration, msgr mpc.Messenger, exch *mpc.Exchange, store *sharing.Store) (*Orchestrator, error) {
	if conf.Role != party.ShareholderA && conf.Role != party.ShareholderB {
		return nil, xerrors.Errorf("orchestrator requires a shareholder role, got %s: %w",
			conf.Role, party.ErrUnauthorizedRole)
	}
	return &Orchestrator{conf: conf, msgr: msgr, exch: exch, store: store}, nil
}

// Orchestrator runs shared models over shared inputs. Both shareholders
// execute Forward with the same scope and descriptor, which keeps their
// secure operations in lockstep.
type Orchestrator struct {
	conf  *party.Configuration
	msgr  mpc.Messenger
	exch  *mpc.Exchange
	store *sharing.Store
}

// Forward evaluates one teacher's shared model over the shared input batch
// and returns integer-scale shares of the predicted labels, shaped (batch,).
// Neither shareholder learns the inputs, the parameters or the votes.
func (o *Orchestrator) Forward(ctx context.Context, scope string, desc Descriptor, input *sharing.TensorShare) (*sharing.TensorShare, error) {
	if len(input.Shape) != 2 || input.Shape[1] != desc.Features {
		return nil, xerrors.Errorf("input of shape %v does not fit model %s taking %d features",
			input.Shape, desc.ModelID, desc.Features)
	}

	ev, err := mpc.NewEvaluator(o.conf, o.msgr, o.exch, fmt.Sprintf("%s/%s", scope, desc.ModelID))
	if err != nil {
		return nil, err
	}

	x := input
	for k := 1; k <= desc.Layers; k++ {
		weight, err := o.param(ctx, desc.ModelID, k, "weight")
		if err != nil {
			return nil, err
		}
		bias, err := o.param(ctx, desc.ModelID, k, "bias")
		if err != nil {
			return nil, err
		}

		x, err = ev.MatMul(ctx, x, weight)
		if err != nil {
			return nil, err
		}
		x, err = ev.Truncate(x)
		if err != nil {
			return nil, err
		}
		x, err = ev.AddRows(x, bias)
		if err != nil {
			return nil, err
		}
		if k < desc.Layers {
			x, err = ev.ReLU(ctx, x)
			if err != nil {
				return nil, err
			}
		}
	}

	if x.Shape[1] != desc.Classes {
		return nil, xerrors.Errorf("model %s emitted %d scores for %d classes", desc.ModelID, x.Shape[1], desc.Classes)
	}

	votes, err := ev.Argmax(ctx, x)
	if err != nil {
		return nil, err
	}
	log.Debug().Msgf("%s: forward %s/%s done (%d rows)", o.conf.Role, scope, desc.ModelID, votes.Shape[0])
	return votes, nil
}

// param pulls one dealt model parameter share, waiting out a slow deal.
func (o *Orchestrator) param(ctx context.Context, modelID string, layer int, kind string) (*sharing.TensorShare, error) {
	share, err := o.store.Await(ctx, ParamTag(modelID, layer, kind), o.conf.Timeout)
	if err != nil {
		return nil, xerrors.Errorf("model %s layer %d %s: %w", modelID, layer, kind, err)
	}
	return share, nil
}
