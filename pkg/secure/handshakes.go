package secure

import (
	"errors"
	"fmt"

	"github.com/hearthlink/matter/pkg/exchange"
	"github.com/hearthlink/matter/pkg/secure/pase"
	"github.com/hearthlink/matter/pkg/secure/sigma"
	"github.com/hearthlink/matter/pkg/session"
	"github.com/hearthlink/matter/pkg/wire"
)

// busyWaitCap caps the advertised Busy wait time at the field's range.
const busyWaitCap = 65535

// paseInitiator drives the commissioner side of PASE over one
// exchange.
type paseInitiator struct {
	m   *Manager
	hs  *pase.Handshake
	est *Establishment
}

func (d *paseInitiator) OnMessage(ex *exchange.Exchange, header *wire.PayloadHeader, payload []byte) error {
	switch Opcode(header.Opcode) {
	case OpcodePBKDFParamResponse:
		out, err := d.hs.HandlePBKDFParamResponse(payload)
		if err != nil {
			return d.abort(ex, err)
		}
		return ex.Send(uint8(OpcodePake1), out, true)

	case OpcodePake2:
		out, err := d.hs.HandlePake2(payload)
		if err != nil {
			return d.abort(ex, err)
		}
		return ex.Send(uint8(OpcodePake3), out, true)

	case OpcodeStatusReport:
		sr, err := DecodeStatusReport(payload)
		if err != nil {
			return d.abort(ex, err)
		}
		switch {
		case sr.IsSuccess() && d.hs.Established():
			sctx, err := d.m.installPASE(d.hs, session.RoleInitiator)
			if err != nil {
				return d.fail(ex, err)
			}
			d.est.complete(sctx, nil)
			d.m.established(sctx, ex.Peer())
			ex.Close()
			return nil
		case sr.IsBusy():
			return d.fail(ex, fmt.Errorf("%w: retry after %dms", ErrPeerBusy, sr.BusyWaitTime()))
		default:
			return d.fail(ex, sr)
		}

	default:
		return d.abort(ex, ErrBadOpcode)
	}
}

func (d *paseInitiator) OnDeliveryFailed(ex *exchange.Exchange) {
	d.est.complete(nil, ErrHandshakeFailed)
	d.m.failed(ex.Peer(), ErrHandshakeFailed)
}

func (d *paseInitiator) OnClose(ex *exchange.Exchange) {
	d.est.complete(nil, ErrHandshakeFailed)
}

// abort reports a local protocol failure to the peer, then fails.
func (d *paseInitiator) abort(ex *exchange.Exchange, err error) error {
	sendStatus(ex, StatusInvalidParameter())
	return d.fail(ex, err)
}

func (d *paseInitiator) fail(ex *exchange.Exchange, err error) error {
	d.est.complete(nil, err)
	d.m.failed(ex.Peer(), err)
	ex.Close()
	return nil
}

// paseResponder drives the commissionee side of PASE. It exists only
// while a commissioning window is open and takes the brute-force
// throttle into account before engaging.
type paseResponder struct {
	m       *Manager
	hs      *pase.Handshake
	est     *Establishment
	claimed bool
}

func (d *paseResponder) OnMessage(ex *exchange.Exchange, header *wire.PayloadHeader, payload []byte) error {
	switch Opcode(header.Opcode) {
	case OpcodePBKDFParamRequest:
		return d.onRequest(ex, payload)

	case OpcodePake1:
		if d.hs == nil {
			return d.abort(ex, ErrNoHandshake)
		}
		out, err := d.hs.HandlePake1(payload)
		if err != nil {
			return d.abort(ex, err)
		}
		return ex.Send(uint8(OpcodePake2), out, true)

	case OpcodePake3:
		if d.hs == nil {
			return d.abort(ex, ErrNoHandshake)
		}
		if err := d.hs.HandlePake3(payload); err != nil {
			return d.abort(ex, err)
		}
		sctx, err := d.m.installPASE(d.hs, session.RoleResponder)
		if err != nil {
			return d.abort(ex, err)
		}
		if err := ex.Send(uint8(OpcodeStatusReport), StatusSuccess().Encode(), true); err != nil {
			d.m.sessions.Drop(sctx.LocalSessionID())
			return d.fail(ex, err)
		}
		d.m.throttle.RecordSuccess()
		d.release()
		d.est.complete(sctx, nil)
		d.m.established(sctx, ex.Peer())
		ex.Close()
		return nil

	case OpcodeStatusReport:
		// The initiator aborted mid-handshake.
		sr, err := DecodeStatusReport(payload)
		if err != nil {
			return d.abort(ex, err)
		}
		return d.fail(ex, sr)

	default:
		return d.abort(ex, ErrBadOpcode)
	}
}

func (d *paseResponder) onRequest(ex *exchange.Exchange, payload []byte) error {
	d.m.mu.Lock()
	window := d.m.window
	active := d.m.paseActive
	if window != nil && !active {
		d.m.paseActive = true
		d.claimed = true
	}
	d.m.mu.Unlock()

	if window == nil {
		sendStatus(ex, StatusInvalidParameter())
		return d.fail(ex, ErrNoCommissioningWindow)
	}
	if active {
		sendStatus(ex, StatusBusy(uint16(d.m.params.IdleInterval.Milliseconds())))
		return d.fail(ex, ErrHandshakeInProgress)
	}
	if wait, ok := d.m.throttle.Admit(); !ok {
		ms := int64(busyWaitCap)
		if wait > 0 && wait.Milliseconds() < ms {
			ms = wait.Milliseconds()
		}
		sendStatus(ex, StatusBusy(uint16(ms)))
		return d.fail(ex, pase.ErrThrottled)
	}

	sid, err := d.m.sessions.AllocateSessionID()
	if err != nil {
		return d.abort(ex, err)
	}
	d.hs, err = pase.NewResponder(window.verifier, window.salt, window.iterations, sid, d.m.rand)
	if err != nil {
		return d.abort(ex, err)
	}
	out, err := d.hs.HandlePBKDFParamRequest(payload, d.m.pasePeerParams())
	if err != nil {
		return d.abort(ex, err)
	}
	return ex.Send(uint8(OpcodePBKDFParamResponse), out, true)
}

func (d *paseResponder) OnDeliveryFailed(ex *exchange.Exchange) {
	d.release()
	d.est.complete(nil, ErrHandshakeFailed)
	d.m.failed(ex.Peer(), ErrHandshakeFailed)
}

func (d *paseResponder) OnClose(ex *exchange.Exchange) {
	d.release()
	d.est.complete(nil, ErrHandshakeFailed)
}

// release gives up the single-PASE-at-a-time claim.
func (d *paseResponder) release() {
	if !d.claimed {
		return
	}
	d.m.mu.Lock()
	d.m.paseActive = false
	d.m.mu.Unlock()
	d.claimed = false
}

func (d *paseResponder) abort(ex *exchange.Exchange, err error) error {
	sendStatus(ex, StatusInvalidParameter())
	return d.fail(ex, err)
}

func (d *paseResponder) fail(ex *exchange.Exchange, err error) error {
	// Any engaged handshake that dies short of success counts against
	// the brute-force throttle.
	if d.hs != nil && !d.hs.Established() {
		d.m.throttle.RecordFailure()
	}
	d.release()
	d.est.complete(nil, err)
	d.m.failed(ex.Peer(), err)
	ex.Close()
	return nil
}

// caseInitiator drives the initiator side of CASE over one exchange.
type caseInitiator struct {
	m   *Manager
	hs  *sigma.Handshake
	est *Establishment
}

func (d *caseInitiator) OnMessage(ex *exchange.Exchange, header *wire.PayloadHeader, payload []byte) error {
	switch Opcode(header.Opcode) {
	case OpcodeSigma2:
		out, err := d.hs.HandleSigma2(payload)
		if err != nil {
			return d.abort(ex, err)
		}
		return ex.Send(uint8(OpcodeSigma3), out, true)

	case OpcodeSigma2Resume:
		if err := d.hs.HandleSigma2Resume(payload); err != nil {
			return d.abort(ex, err)
		}
		// The resumed flow ends with our success report.
		if err := ex.Send(uint8(OpcodeStatusReport), StatusSuccess().Encode(), true); err != nil {
			return d.fail(ex, err)
		}
		return d.finish(ex)

	case OpcodeStatusReport:
		sr, err := DecodeStatusReport(payload)
		if err != nil {
			return d.abort(ex, err)
		}
		switch {
		case sr.IsSuccess() && d.hs.Established():
			return d.finish(ex)
		case sr.IsBusy():
			return d.fail(ex, fmt.Errorf("%w: retry after %dms", ErrPeerBusy, sr.BusyWaitTime()))
		default:
			return d.fail(ex, sr)
		}

	default:
		return d.abort(ex, ErrBadOpcode)
	}
}

func (d *caseInitiator) finish(ex *exchange.Exchange) error {
	sctx, err := d.m.installCASE(d.hs, session.RoleInitiator)
	if err != nil {
		return d.fail(ex, err)
	}
	d.est.complete(sctx, nil)
	d.m.established(sctx, ex.Peer())
	ex.Close()
	return nil
}

func (d *caseInitiator) OnDeliveryFailed(ex *exchange.Exchange) {
	d.est.complete(nil, ErrHandshakeFailed)
	d.m.failed(ex.Peer(), ErrHandshakeFailed)
}

func (d *caseInitiator) OnClose(ex *exchange.Exchange) {
	d.est.complete(nil, ErrHandshakeFailed)
}

func (d *caseInitiator) abort(ex *exchange.Exchange, err error) error {
	sendStatus(ex, StatusInvalidParameter())
	return d.fail(ex, err)
}

func (d *caseInitiator) fail(ex *exchange.Exchange, err error) error {
	d.est.complete(nil, err)
	d.m.failed(ex.Peer(), err)
	ex.Close()
	return nil
}

// caseResponder drives the responder side of CASE over one exchange.
type caseResponder struct {
	m       *Manager
	hs      *sigma.Handshake
	est     *Establishment
	resumed bool
}

func (d *caseResponder) OnMessage(ex *exchange.Exchange, header *wire.PayloadHeader, payload []byte) error {
	switch Opcode(header.Opcode) {
	case OpcodeSigma1:
		return d.onSigma1(ex, payload)

	case OpcodeSigma3:
		if d.hs == nil || d.resumed {
			return d.abort(ex, ErrNoHandshake)
		}
		if err := d.hs.HandleSigma3(payload); err != nil {
			return d.abort(ex, err)
		}
		sctx, err := d.m.installCASE(d.hs, session.RoleResponder)
		if err != nil {
			return d.abort(ex, err)
		}
		if err := ex.Send(uint8(OpcodeStatusReport), StatusSuccess().Encode(), true); err != nil {
			d.m.sessions.Drop(sctx.LocalSessionID())
			return d.fail(ex, err)
		}
		d.est.complete(sctx, nil)
		d.m.established(sctx, ex.Peer())
		ex.Close()
		return nil

	case OpcodeStatusReport:
		// The resumed flow completes with the initiator's report.
		sr, err := DecodeStatusReport(payload)
		if err != nil {
			return d.abort(ex, err)
		}
		if !d.resumed || !sr.IsSuccess() || !d.hs.Established() {
			return d.fail(ex, sr)
		}
		sctx, err := d.m.installCASE(d.hs, session.RoleResponder)
		if err != nil {
			return d.fail(ex, err)
		}
		d.est.complete(sctx, nil)
		d.m.established(sctx, ex.Peer())
		ex.Close()
		return nil

	default:
		return d.abort(ex, ErrBadOpcode)
	}
}

func (d *caseResponder) onSigma1(ex *exchange.Exchange, payload []byte) error {
	sid, err := d.m.sessions.AllocateSessionID()
	if err != nil {
		return d.abort(ex, err)
	}
	d.hs, err = sigma.NewResponder(d.m.fabrics, sid, d.m.sigmaConfig())
	if err != nil {
		return d.abort(ex, err)
	}

	out, resumed, err := d.hs.HandleSigma1(payload, d.m.sigmaPeerParams())
	if err != nil {
		if errors.Is(err, sigma.ErrNoSharedTrustRoots) {
			sendStatus(ex, StatusNoSharedTrustRoots())
			return d.fail(ex, err)
		}
		return d.abort(ex, err)
	}
	d.resumed = resumed

	opcode := OpcodeSigma2
	if resumed {
		opcode = OpcodeSigma2Resume
	}
	return ex.Send(uint8(opcode), out, true)
}

func (d *caseResponder) OnDeliveryFailed(ex *exchange.Exchange) {
	d.est.complete(nil, ErrHandshakeFailed)
	d.m.failed(ex.Peer(), ErrHandshakeFailed)
}

func (d *caseResponder) OnClose(ex *exchange.Exchange) {
	d.est.complete(nil, ErrHandshakeFailed)
}

func (d *caseResponder) abort(ex *exchange.Exchange, err error) error {
	sendStatus(ex, StatusInvalidParameter())
	return d.fail(ex, err)
}

func (d *caseResponder) fail(ex *exchange.Exchange, err error) error {
	d.est.complete(nil, err)
	d.m.failed(ex.Peer(), err)
	ex.Close()
	return nil
}

// sendStatus emits a best-effort status report on the exchange.
func sendStatus(ex *exchange.Exchange, sr *StatusReport) {
	// Unreliable: the exchange is about to close and a failure report
	// is advisory.
	_ = ex.Send(uint8(OpcodeStatusReport), sr.Encode(), false)
}
