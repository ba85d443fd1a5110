// Package impl implements the parties of an aggregation run: the student,
// the two shareholders, the aggregator and the teachers. Every party runs the
// same receive loop and speaks the same signed-envelope fabric; the roles
// differ in the handlers they register and the state they keep.
package impl

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/transport"
	"github.com/privstack/pateagg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

const ReadTimeout = time.Millisecond * 100
const WriteTimeout = time.Millisecond * 100

// Node is one running party.
type Node interface {
	Start() error
	Stop() error
	Role() party.Role
}

// newBase wires the shared plumbing of a party: envelope verification,
// sealing and the socket loop.
func newBase(conf party.Configuration) (*base, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.Socket == nil || conf.MessageRegistry == nil || conf.Parties == nil || conf.Identity == nil {
		return nil, xerrors.New("configuration is missing socket, registry, parties or identity")
	}
	if conf.Identity.Role != conf.Role {
		return nil, xerrors.Errorf("identity of %s configured for a %s node", conf.Identity.Role, conf.Role)
	}

	b := &base{conf: conf}
	conf.MessageRegistry.RegisterMessageCallback(types.SignedEnvelope{}, b.processEnvelope)
	conf.MessageRegistry.RegisterMessageCallback(types.SealedMessage{}, b.processSealed)
	return b, nil
}

type base struct {
	conf    party.Configuration
	stopSig context.CancelFunc
	runCtx  context.Context
}

func (b *base) Role() party.Role {
	return b.conf.Role
}

// Start launches the receive loop.
func (b *base) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	b.runCtx = ctx
	b.stopSig = cancel

	go func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				pkt, err := b.conf.Socket.Recv(ReadTimeout)
				if err != nil {
					continue
				}
				err = b.processPkt(pkt)
				if err != nil {
					log.Warn().Msgf("%s: dropped packet: %v", b.conf.Role, err)
				}
			}
		}
	}(ctx)

	return nil
}

// Stop cancels in-flight work and releases the socket.
func (b *base) Stop() error {
	if b.stopSig != nil {
		b.stopSig()
	}
	return b.conf.Socket.Close()
}

// ctx returns the run context handler goroutines should inherit.
func (b *base) ctx() context.Context {
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}

func (b *base) processPkt(pkt transport.Packet) error {
	if pkt.Header.Destination != b.conf.Socket.GetAddress() {
		return xerrors.Errorf("packet for %s landed at %s", pkt.Header.Destination, b.conf.Socket.GetAddress())
	}
	return b.conf.MessageRegistry.ProcessPacket(pkt)
}

// Send signs a message and ships it to another party.
func (b *base) Send(to party.Role, msg types.Message) error {
	inner, err := b.conf.MessageRegistry.MarshalMessage(msg)
	if err != nil {
		return err
	}
	return b.ship(to, &inner)
}

// SendSealed additionally encrypts the message, so only the recipient can
// read it off the wire. Every payload carrying share material goes this way.
func (b *base) SendSealed(to party.Role, msg types.Message) error {
	id, ok := b.conf.Parties.Identity(to)
	if !ok {
		return xerrors.Errorf("no identity registered for %s", to)
	}
	if id.SealKey == nil {
		return xerrors.Errorf("%s has no sealing key", to)
	}

	inner, err := b.conf.MessageRegistry.MarshalMessage(msg)
	if err != nil {
		return err
	}
	sealed, err := seal(id.SealKey, &inner)
	if err != nil {
		return xerrors.Errorf("failed to seal %s for %s: %v", msg.Name(), to, err)
	}
	wrapped, err := b.conf.MessageRegistry.MarshalMessage(*sealed)
	if err != nil {
		return err
	}
	return b.ship(to, &wrapped)
}

// ship wraps a marshalled message in a signed envelope and puts it on the
// socket.
func (b *base) ship(to party.Role, inner *transport.Message) error {
	addr, ok := b.conf.Parties.AddressOf(to)
	if !ok {
		return xerrors.Errorf("no address registered for %s", to)
	}

	origin := string(b.conf.Role)
	sig, err := b.conf.Identity.SignDigest(envelopeDigest(origin, inner))
	if err != nil {
		return xerrors.Errorf("failed to sign %s: %v", inner.Type, err)
	}
	env := types.SignedEnvelope{Origin: origin, Msg: inner, Signature: sig}

	msg, err := b.conf.MessageRegistry.MarshalMessage(env)
	if err != nil {
		return err
	}
	header := transport.NewHeader(b.conf.Socket.GetAddress(), addr)
	pkt := transport.Packet{Header: &header, Msg: &msg}
	return b.conf.Socket.Send(addr, pkt, WriteTimeout)
}

// processEnvelope verifies the origin signature and dispatches the inner
// message. The header source is rewritten to the authenticated origin role,
// so every downstream handler can trust it.
func (b *base) processEnvelope(msg types.Message, pkt transport.Packet) error {
	env, ok := msg.(*types.SignedEnvelope)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	if env.Msg == nil {
		return xerrors.Errorf("empty envelope from %s", env.Origin)
	}

	id, ok := b.conf.Parties.Identity(party.Role(env.Origin))
	if !ok {
		return xerrors.Errorf("envelope from unregistered role %s", env.Origin)
	}
	err := id.VerifyDigest(envelopeDigest(env.Origin, env.Msg), env.Signature)
	if err != nil {
		return xerrors.Errorf("envelope from %s: %v", env.Origin, err)
	}

	header := *pkt.Header
	header.Source = env.Origin
	return b.conf.MessageRegistry.ProcessPacket(transport.Packet{Header: &header, Msg: env.Msg})
}

// processSealed decrypts a sealed message addressed to this party and
// dispatches the plaintext, keeping the authenticated source.
func (b *base) processSealed(msg types.Message, pkt transport.Packet) error {
	sealed, ok := msg.(*types.SealedMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}

	inner, err := openSealed(b.conf.Identity.SealKey, sealed)
	if err != nil {
		return xerrors.Errorf("failed to open sealed message from %s: %v", pkt.Header.Source, err)
	}
	return b.conf.MessageRegistry.ProcessPacket(transport.Packet{Header: pkt.Header, Msg: inner})
}

func envelopeDigest(origin string, msg *transport.Message) []byte {
	h := sha256.New()
	h.Write([]byte(origin))
	h.Write([]byte(msg.Type))
	h.Write(msg.Payload)
	return h.Sum(nil)
}
