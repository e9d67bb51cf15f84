// Package mesh routes transport packets through the wire codec and the
// authorization gate, and runs the attestation exchange between peers.
package mesh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skywalkerx28/chatM-sub000/internal/credential"
	"github.com/skywalkerx28/chatM-sub000/internal/gate"
	"github.com/skywalkerx28/chatM-sub000/internal/metrics"
	"github.com/skywalkerx28/chatM-sub000/internal/wire"
)

const DefaultVerifyTimeout = 15 * time.Second

// Sender is the slice of the transport the router needs: fire-and-forget
// delivery of one typed payload to a set of peers.
type Sender interface {
	Send(ctx context.Context, peers []string, packetType byte, payload []byte) error
}

type Options struct {
	Gate *gate.Gate
	// TokenVerifier handles CredentialToken offers, CertVerifier handles
	// CredentialCert offers. Either may be nil; offers of that kind then
	// count as failed.
	TokenVerifier credential.Verifier
	CertVerifier  credential.Verifier
	Sender        Sender
	// Deliver surfaces admitted messages upward. Called from the
	// transport's receive path; must not block.
	Deliver func(msg wire.Message, from string)
	// Credential is this node's own membership credential, offered to
	// peers on connect and on request. Zero value means none.
	Credential    wire.AttestationOffer
	VerifyTimeout time.Duration
	Logger        *slog.Logger
}

type Router struct {
	gate          *gate.Gate
	tokenVerifier credential.Verifier
	certVerifier  credential.Verifier
	sender        Sender
	deliver       func(wire.Message, string)
	offer         []byte
	verifyTimeout time.Duration
	log           *slog.Logger

	verifying sync.WaitGroup
}

func NewRouter(opts Options) (*Router, error) {
	if opts.Gate == nil {
		return nil, fmt.Errorf("missing gate")
	}
	verifyTimeout := opts.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = DefaultVerifyTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		gate:          opts.Gate,
		tokenVerifier: opts.TokenVerifier,
		certVerifier:  opts.CertVerifier,
		sender:        opts.Sender,
		deliver:       opts.Deliver,
		verifyTimeout: verifyTimeout,
		log:           log,
	}
	if opts.Credential.Kind != 0 {
		encoded, err := wire.EncodeAttestationOffer(opts.Credential)
		if err != nil {
			return nil, fmt.Errorf("bad own credential: %w", err)
		}
		r.offer = encoded
	}
	return r, nil
}

// HandlePacket is the transport's receive callback. It never blocks on
// network I/O: credential verification runs on its own goroutine and feeds
// only its result back into the gate.
func (r *Router) HandlePacket(packetType byte, payload []byte, from string) {
	switch packetType {
	case wire.PacketTopicMessage:
		r.handleMessage(payload, from)
	case wire.PacketAttestation:
		r.handleAttestation(payload, from)
	case wire.PacketAttestationRequest:
		r.handleAttestationRequest(from)
	default:
		r.log.Debug("unknown packet type", "type", packetType, "peer", from)
	}
}

func (r *Router) handleMessage(payload []byte, from string) {
	msg, err := wire.Decode(payload)
	if err != nil {
		metrics.DecodeFailures.Inc()
		r.log.Debug("malformed message", "peer", from, "err", err)
		return
	}
	if !r.gate.IsAllowed(msg.Topic, from) {
		metrics.MessagesDenied.WithLabelValues("unauthorized").Inc()
		r.log.Debug("message denied", "peer", from, "topic", msg.Topic)
		if r.gate.ShouldRequestAttestation(from) {
			r.requestAttestation(from)
		}
		return
	}
	metrics.MessagesAdmitted.Inc()
	if r.deliver != nil {
		r.deliver(msg, from)
	}
}

func (r *Router) handleAttestation(payload []byte, from string) {
	offer, err := wire.DecodeAttestationOffer(payload)
	if err != nil {
		metrics.AttestationsFailed.Inc()
		r.gate.MarkAttestationFailed(from)
		return
	}
	var v credential.Verifier
	switch offer.Kind {
	case wire.CredentialToken:
		v = r.tokenVerifier
	case wire.CredentialCert:
		v = r.certVerifier
	}
	if v == nil {
		metrics.AttestationsFailed.Inc()
		r.gate.MarkAttestationFailed(from)
		return
	}
	r.verifying.Add(1)
	go func() {
		defer r.verifying.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.verifyTimeout)
		defer cancel()
		att, err := v.Verify(ctx, offer.Credential)
		if err != nil {
			metrics.AttestationsFailed.Inc()
			r.gate.MarkAttestationFailed(from)
			r.log.Debug("attestation rejected", "peer", from, "err", err)
			return
		}
		metrics.AttestationsVerified.Inc()
		r.gate.AcceptAttestation(from, att)
	}()
}

func (r *Router) handleAttestationRequest(from string) {
	if r.offer == nil || r.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.verifyTimeout)
	defer cancel()
	if err := r.sender.Send(ctx, []string{from}, wire.PacketAttestation, r.offer); err != nil {
		r.log.Debug("attestation offer send failed", "peer", from, "err", err)
	}
}

func (r *Router) requestAttestation(peer string) {
	if r.sender == nil {
		return
	}
	metrics.AttestationRequests.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), r.verifyTimeout)
	defer cancel()
	if err := r.sender.Send(ctx, []string{peer}, wire.PacketAttestationRequest, []byte{1}); err != nil {
		r.log.Debug("attestation request send failed", "peer", peer, "err", err)
	}
}

// PeerConnected promotes the peer's cached attestation and offers our own
// credential so both sides converge quickly after a link comes up.
func (r *Router) PeerConnected(peer string) {
	r.gate.PromoteToNeighbor(peer)
	if r.offer != nil && r.sender != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.verifyTimeout)
		defer cancel()
		if err := r.sender.Send(ctx, []string{peer}, wire.PacketAttestation, r.offer); err != nil {
			r.log.Debug("attestation offer send failed", "peer", peer, "err", err)
		}
	}
}

func (r *Router) PeerDisconnected(peer string) {
	r.gate.DemoteToGlobal(peer)
}

// SendMessage encodes and sends a topic message, generating a message id
// when the caller supplied none. The local gate is not consulted: admission
// is always the receiver's decision.
func (r *Router) SendMessage(ctx context.Context, msg wire.Message, peers []string) error {
	if r.sender == nil {
		return fmt.Errorf("no sender configured")
	}
	if msg.ID == "" {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = hex.EncodeToString(buf[:])
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return r.sender.Send(ctx, peers, wire.PacketTopicMessage, msg.Encode())
}

// Run drives the gate's periodic pruning until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	r.gate.Run(ctx)
}

// WaitVerifications blocks until in-flight credential verifications finish.
// Tests use it to join the async accept/fail path.
func (r *Router) WaitVerifications() {
	r.verifying.Wait()
}
