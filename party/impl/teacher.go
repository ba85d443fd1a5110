package impl

import (
	"github.com/privstack/pateagg/fixpoint"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/inference"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/privstack/pateagg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Teacher owns one trained model. At startup it splits every parameter tensor
// between the shareholders and announces the model's shape; after that it
// plays no further part in the protocol. The model itself never leaves the
// teacher in the clear.
type Teacher struct {
	*base

	model *inference.Model
	codec *fixpoint.Codec
}

func NewTeacher(conf party.Configuration, model *inference.Model) (*Teacher, error) {
	if !conf.Role.IsTeacher() {
		return nil, xerrors.Errorf("%w: %s cannot originate a model", party.ErrUnauthorizedRole, conf.Role)
	}
	if idx := conf.Role.TeacherIndex(); idx < 0 || idx >= conf.NumTeachers {
		return nil, xerrors.Errorf("role %s is outside the %d configured teachers", conf.Role, conf.NumTeachers)
	}
	if model == nil {
		return nil, xerrors.New("teacher needs a model")
	}
	if model.Classes() != conf.NumClasses {
		return nil, xerrors.Errorf("model %s emits %d classes, run is configured for %d",
			model.ID(), model.Classes(), conf.NumClasses)
	}

	b, err := newBase(conf)
	if err != nil {
		return nil, err
	}
	codec, err := fixpoint.NewCodec(conf.Modulus, conf.Precision)
	if err != nil {
		return nil, err
	}
	return &Teacher{base: b, model: model, codec: codec}, nil
}

// Start deals out the model before entering the receive loop.
func (t *Teacher) Start() error {
	err := t.base.Start()
	if err != nil {
		return err
	}
	return t.deal()
}

func (t *Teacher) deal() error {
	holders := party.Shareholders()
	dealt, err := t.model.ShareOut(t.codec, holders)
	if err != nil {
		return xerrors.Errorf("failed to share model %s: %v", t.model.ID(), err)
	}

	for _, holder := range holders {
		for _, share := range dealt[holder] {
			err = t.SendSealed(holder, types.TensorShareMessage{Share: sharing.ToWire(share)})
			if err != nil {
				return xerrors.Errorf("failed to deal %s to %s: %v", share.Tag, holder, err)
			}
		}
	}

	desc := t.model.Descriptor()
	for _, holder := range holders {
		err = t.Send(holder, types.ModelDescriptorMessage{
			ModelID:  desc.ModelID,
			Teacher:  string(t.conf.Role),
			Layers:   desc.Layers,
			Features: desc.Features,
			Classes:  desc.Classes,
		})
		if err != nil {
			return xerrors.Errorf("failed to announce model %s to %s: %v", desc.ModelID, holder, err)
		}
	}

	log.Info().Msgf("%s: dealt model %s (%d layers, %d features, %d classes)",
		t.conf.Role, desc.ModelID, desc.Layers, desc.Features, desc.Classes)
	return nil
}
