/*
RDP Peer Go - Server-side RDP protocol core
Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as
published by the Free Software Foundation, either version 3 of the
License, or (at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package rdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/x-stp/rdp-peer-go/pkg/bitmap"
)

// maxContinueRuns bounds how many times the state machine may report
// CONTINUE for a single inbound frame. A connection that loops without
// consuming input or changing state is stalled and gets torn down.
const maxContinueRuns = 32

// serverChannelID is the MCS user id this server answers with. FreeRDP
// and mstsc both expect the first attached user to land here.
const serverChannelID = MCS_CHANNEL_USER_BASE + 1

// Conn is one server-side RDP connection. It owns the transport, the
// connection state machine, and every per-peer sub-machine. All methods
// must be called from the goroutine running Serve, except Close and the
// outbound write helpers, which take the write lock.
type Conn struct {
	opts *ServerOptions
	log  hclog.Logger

	transport net.Conn
	writeMu   sync.Mutex

	state              ConnectionState
	srcRef             uint16
	requestedProtocols uint32
	selectedProtocol   uint32
	tlsEnabled         bool

	client     *GCCClientData
	clientInfo *ClientInfo
	caps       *ClientCapabilities

	channels       *ChannelManager
	security       *SecuritySession
	license        *LicenseMachine
	autodetect     *AutoDetectMachine
	multitransport *MultitransportMachine

	userID           uint16
	ioChannelID      uint16
	messageChannelID uint16
	joinedUser       bool
	joinedIO         bool
	joinedMessage    bool

	shareID       uint32
	finalizeFlags int
	activated     bool
	started       time.Time
	inPackets     uint64

	heartbeat *heartbeatSender
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an accepted transport. The handshake does not start
// until Serve runs.
func NewConn(transport net.Conn, opts *ServerOptions) *Conn {
	if opts == nil {
		opts = DefaultServerOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	metricConnectionsTotal.Inc()
	return &Conn{
		opts:        opts,
		log:         logger.With("peer", transport.RemoteAddr().String()),
		transport:   transport,
		state:       StateInitial,
		userID:      serverChannelID,
		ioChannelID: MCS_CHANNEL_GLOBAL,
		started:     time.Now(),
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState { return c.state }

// Client returns the GCC data the client sent in MCS Connect Initial,
// nil before that point.
func (c *Conn) Client() *GCCClientData { return c.client }

// Info returns the parsed client info PDU, nil before CLIENT_INFO.
func (c *Conn) Info() *ClientInfo { return c.clientInfo }

// Capabilities returns the client capability sets, nil before the
// client confirmed activation.
func (c *Conn) Capabilities() *ClientCapabilities { return c.caps }

// ShareID returns the share identifier for the active session.
func (c *Conn) ShareID() uint32 { return c.shareID }

// InboundPackets returns how many frames this connection has consumed.
func (c *Conn) InboundPackets() uint64 { return c.inPackets }

// Serve drives the connection until the peer disconnects or a protocol
// error kills it. It blocks; run it on its own goroutine.
func (c *Conn) Serve() error {
	defer c.Close()

	for {
		if c.opts.ReadTimeout > 0 {
			if err := c.transport.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
				return fmt.Errorf("set read deadline: %w", err)
			}
		}

		frame, err := ReadFrame(c.transport)
		if err != nil {
			if err == io.EOF && c.state == StateClosed {
				return nil
			}
			if err == io.EOF {
				c.log.Debug("peer closed connection", "state", c.state)
				c.teardown()
				return nil
			}
			c.failHandshake()
			return fmt.Errorf("read frame in %s: %w", c.state, err)
		}

		verdict, err := c.ProcessFrame(frame)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				c.log.Debug("peer sent disconnect ultimatum")
				c.teardown()
				return nil
			}
			c.failHandshake()
			return err
		}
		if verdict == VerdictQuit {
			c.teardown()
			return nil
		}
	}
}

// ProcessFrame feeds one inbound frame through the state machine. The
// handlers may report CONTINUE to run again without new input, for
// example when a sub-machine finishing lets several phases collapse
// into one pass, or TRY_AGAIN to re-parse the same frame from a new
// state; the loop is bounded so a wedged handler cannot spin.
func (c *Conn) ProcessFrame(frame *Frame) (Verdict, error) {
	c.inPackets++
	if frame.FastPath {
		metricFramesIn.WithLabelValues("fast").Inc()
		return c.handleFastPathInput(frame.Data)
	}
	metricFramesIn.WithLabelValues("slow").Inc()

	payload := frame.Data
	for runs := 0; ; runs++ {
		if runs >= maxContinueRuns {
			return VerdictFailed, fmt.Errorf("state %s after %d continue runs: %w", c.state, runs, ErrStalledProgress)
		}

		verdict, err := c.dispatch(payload)
		if err != nil {
			return VerdictFailed, fmt.Errorf("state %s: %w", c.state, err)
		}
		switch verdict {
		case VerdictTryAgain:
			// The new state re-parses the same frame.
		case VerdictContinue:
			payload = nil
		default:
			return verdict, nil
		}
	}
}

// dispatch runs the handler for the current state. A nil payload means
// the previous handler consumed the frame and the machine is making
// input-free progress.
func (c *Conn) dispatch(payload []byte) (Verdict, error) {
	switch c.state {
	case StateInitial:
		// First frame on the wire: enter negotiation and re-parse it
		// from the new state.
		if err := c.transition(StateNegotiation); err != nil {
			return VerdictFailed, err
		}
		return VerdictTryAgain, nil
	case StateNegotiation:
		return c.handleConnectionRequest(payload)
	case StateMCSConnect:
		return c.handleMCSConnectInitial(payload)
	case StateMCSErectDomain:
		return c.handleErectDomain(payload)
	case StateMCSAttachUser:
		return c.handleAttachUser(payload)
	case StateMCSChannelJoin:
		return c.handleChannelJoin(payload)
	case StateSecurityKeyExchange,
		StateClientInfo,
		StateAutoDetect,
		StateLicensing,
		StateMultitransportRequest,
		StateMultitransportResponse,
		StateCapabilitiesExchange,
		StateFinalization,
		StateActive:
		return c.handlePostMCS(payload)
	case StateClosed:
		return VerdictQuit, nil
	default:
		return VerdictFailed, fmt.Errorf("no handler for state %s: %w", c.state, ErrInvalidTransition)
	}
}

// transition moves the state machine, enforcing the legal-predecessor
// table.
func (c *Conn) transition(to ConnectionState) error {
	if !transitionAllowed(c.state, to) {
		return fmt.Errorf("transition %s -> %s: %w", c.state, to, ErrInvalidTransition)
	}
	c.log.Trace("state transition", "from", c.state, "to", to)
	c.state = to
	return nil
}

// --- negotiation phase -------------------------------------------------

func (c *Conn) handleConnectionRequest(payload []byte) (Verdict, error) {
	if payload == nil {
		return VerdictFailed, fmt.Errorf("negotiation needs a connection request: %w", ErrUnexpectedPDU)
	}
	req, err := ParseX224ConnectionRequest(payload)
	if err != nil {
		return VerdictFailed, err
	}
	c.srcRef = req.SrcRef

	requested := uint32(PROTOCOL_RDP)
	if req.NegReq != nil {
		requested = req.NegReq.Protocols
	}
	c.requestedProtocols = requested
	c.log.Debug("connection request", "cookie", req.Cookie, "requested", protocolName(requested))

	selected, failure := c.selectProtocol(requested)
	if failure != 0 {
		c.log.Warn("no common security protocol", "requested", protocolName(requested))
		c.write(BuildX224NegotiationFailure(c.srcRef, failure))
		c.state = StateClosed
		return VerdictQuit, nil
	}
	c.selectedProtocol = selected

	var flags uint8
	if selected != PROTOCOL_RDP {
		flags = EXTENDED_CLIENT_DATA_SUPPORTED
	}
	if err := c.write(BuildX224ConnectionConfirm(c.srcRef, selected, flags)); err != nil {
		return VerdictFailed, err
	}

	if selected == PROTOCOL_SSL {
		if err := c.upgradeTLS(); err != nil {
			return VerdictFailed, fmt.Errorf("TLS upgrade: %w", err)
		}
		c.tlsEnabled = true
	}

	c.log.Info("negotiated", "protocol", protocolName(selected))
	if err := c.transition(StateMCSConnect); err != nil {
		return VerdictFailed, err
	}
	return VerdictSuccess, nil
}

// selectProtocol picks the best protocol this listener can serve from
// the client's advertised set. NLA is out of scope for this core, so
// hybrid-only clients are refused with the dedicated failure code.
func (c *Conn) selectProtocol(requested uint32) (selected uint32, failure uint32) {
	tlsAvailable := c.opts.TLSCertFile != "" && c.opts.TLSKeyFile != ""

	if requested&PROTOCOL_SSL != 0 && tlsAvailable {
		return PROTOCOL_SSL, 0
	}
	if requested == PROTOCOL_RDP || requested&PROTOCOL_RDP != 0 {
		return PROTOCOL_RDP, 0
	}
	if requested&PROTOCOL_SSL != 0 {
		// Client would take TLS but this listener has no certificate.
		return 0, SSL_CERT_NOT_ON_SERVER
	}
	if requested&(PROTOCOL_HYBRID|PROTOCOL_HYBRID_EX) != 0 {
		return 0, HYBRID_REQUIRED_BY_SERVER
	}
	return 0, INCONSISTENT_FLAGS
}

// --- MCS connect phase --------------------------------------------------

func (c *Conn) handleMCSConnectInitial(payload []byte) (Verdict, error) {
	data, err := stripX224DataHeader(payload)
	if err != nil {
		return VerdictFailed, err
	}

	client, err := ParseMCSConnectInitial(data)
	if err != nil {
		return VerdictFailed, err
	}
	c.client = client
	c.log.Debug("mcs connect initial",
		"client", client.Core.ClientName,
		"build", client.Core.ClientBuild,
		"desktop", fmt.Sprintf("%dx%d", client.Core.DesktopWidth, client.Core.DesktopHeight))

	var defs []ChannelDef
	if client.Network != nil {
		defs = client.Network.Channels
	}
	if c.channels, err = NewChannelManager(defs, int(c.opts.VCChunkSize)); err != nil {
		return VerdictFailed, err
	}

	method, level := c.opts.EncryptionMethod, c.opts.EncryptionLevel
	if c.selectedProtocol != PROTOCOL_RDP {
		// Enhanced security moves encryption to the outer TLS layer.
		method, level = ENCRYPTION_METHOD_NONE, ENCRYPTION_LEVEL_NONE
	}
	if method != ENCRYPTION_METHOD_NONE && c.opts.RSAKey == nil {
		return VerdictFailed, fmt.Errorf("standard security requires an RSA key: %w", ErrSecurityViolation)
	}
	if c.security, err = NewSecuritySession(method, level); err != nil {
		return VerdictFailed, err
	}

	cfg := &MCSConnectResponseConfig{
		ClientRequestedProtocols: c.requestedProtocols,
		EncryptionMethod:         method,
		EncryptionLevel:          level,
		ServerRandom:             c.security.ServerRandom,
		IOChannelID:              c.ioChannelID,
		ChannelIDs:               c.channels.IDs(),
	}
	if method != ENCRYPTION_METHOD_NONE {
		cfg.ServerCertificate = BuildProprietaryCertificate(&c.opts.RSAKey.PublicKey)
	}
	if client.MessageChannel {
		c.messageChannelID = c.nextDynamicChannelID()
		cfg.MessageChannelID = c.messageChannelID
	}
	if client.Multitransport && c.opts.OfferMultitransport {
		cfg.SendMultitransport = true
		cfg.MultitransportFlags = client.MultitransportFlags &
			(TRANSPORT_TYPE_UDP_FECR | TRANSPORT_TYPE_UDP_FECL | TRANSPORT_TYPE_UDP_PREFERRED)
	}

	if err := c.write(wrapX224Data(BuildMCSConnectResponse(cfg))); err != nil {
		return VerdictFailed, err
	}
	if err := c.transition(StateMCSErectDomain); err != nil {
		return VerdictFailed, err
	}
	return VerdictSuccess, nil
}

// nextDynamicChannelID allocates the message channel id past the last
// static channel.
func (c *Conn) nextDynamicChannelID() uint16 {
	id := uint16(MCS_CHANNEL_STATIC_BASE)
	for _, sid := range c.channels.IDs() {
		if sid >= id {
			id = sid + 1
		}
	}
	return id
}

func (c *Conn) handleErectDomain(payload []byte) (Verdict, error) {
	data, err := stripX224DataHeader(payload)
	if err != nil {
		return VerdictFailed, err
	}
	if err := ParseMCSErectDomainRequest(data); err != nil {
		return VerdictFailed, err
	}
	if err := c.transition(StateMCSAttachUser); err != nil {
		return VerdictFailed, err
	}
	return VerdictSuccess, nil
}

func (c *Conn) handleAttachUser(payload []byte) (Verdict, error) {
	data, err := stripX224DataHeader(payload)
	if err != nil {
		return VerdictFailed, err
	}
	if err := ParseMCSAttachUserRequest(data); err != nil {
		return VerdictFailed, err
	}
	if err := c.write(wrapX224Data(BuildMCSAttachUserConfirm(c.userID))); err != nil {
		return VerdictFailed, err
	}
	if err := c.transition(StateMCSChannelJoin); err != nil {
		return VerdictFailed, err
	}
	return VerdictSuccess, nil
}

func (c *Conn) handleChannelJoin(payload []byte) (Verdict, error) {
	data, err := stripX224DataHeader(payload)
	if err != nil {
		return VerdictFailed, err
	}
	req, err := ParseMCSChannelJoinRequest(data)
	if err != nil {
		return VerdictFailed, err
	}

	switch {
	case req.ChannelID == c.userID:
		c.joinedUser = true
	case req.ChannelID == c.ioChannelID:
		c.joinedIO = true
	case c.messageChannelID != 0 && req.ChannelID == c.messageChannelID:
		c.joinedMessage = true
	default:
		if _, ok := c.channels.ByID(req.ChannelID); !ok {
			return VerdictFailed, fmt.Errorf("join for channel %d: %w", req.ChannelID, ErrChannelNotFound)
		}
		c.channels.MarkJoined(req.ChannelID)
	}

	if err := c.write(wrapX224Data(BuildMCSChannelJoinConfirm(req.Initiator, req.ChannelID))); err != nil {
		return VerdictFailed, err
	}

	if !c.allChannelsJoined() {
		// Stay here for the next join request.
		return VerdictSuccess, nil
	}

	next := StateClientInfo
	if c.security.EncryptionMethod != ENCRYPTION_METHOD_NONE {
		next = StateSecurityKeyExchange
	}
	if err := c.transition(next); err != nil {
		return VerdictFailed, err
	}
	c.log.Debug("channel join complete", "static", len(c.channels.IDs()), "next", next)
	return VerdictSuccess, nil
}

func (c *Conn) allChannelsJoined() bool {
	if !c.joinedUser || !c.joinedIO {
		return false
	}
	if c.messageChannelID != 0 && !c.joinedMessage {
		return false
	}
	return c.channels.AllJoined()
}

// --- post-MCS phases ----------------------------------------------------

// handlePostMCS routes frames once the MCS domain is up: every slow
// path frame from here on is a send-data request addressed to one of
// the joined channels.
func (c *Conn) handlePostMCS(payload []byte) (Verdict, error) {
	if payload == nil {
		return c.progressWithoutInput()
	}

	data, err := stripX224DataHeader(payload)
	if err != nil {
		return VerdictFailed, err
	}
	req, err := ParseMCSSendDataRequest(data)
	if err != nil {
		return VerdictFailed, err
	}
	if req.Initiator != c.userID {
		c.log.Warn("send-data from unexpected initiator", "initiator", req.Initiator)
	}

	switch {
	case req.ChannelID == c.ioChannelID:
		return c.handleIOChannel(req.Data)
	case c.messageChannelID != 0 && req.ChannelID == c.messageChannelID:
		return c.handleMessageChannel(req.Data)
	default:
		ch, ok := c.channels.ByID(req.ChannelID)
		if !ok || !ch.Joined {
			return VerdictFailed, fmt.Errorf("data for channel %d: %w", req.ChannelID, ErrChannelNotFound)
		}
		return c.handleVirtualChannelData(ch, req.Data)
	}
}

// progressWithoutInput advances phases that start with a server-side
// send: licensing, multitransport offers, autodetect probes, and the
// demand-active.
func (c *Conn) progressWithoutInput() (Verdict, error) {
	switch c.state {
	case StateAutoDetect:
		return c.beginAutoDetect()
	case StateLicensing:
		return c.beginLicensing()
	case StateMultitransportRequest:
		return c.beginMultitransport()
	case StateCapabilitiesExchange:
		return c.sendDemandActive()
	default:
		return VerdictSuccess, nil
	}
}

// readSecurityHeader strips the 4-byte security header, decrypting the
// body when SEC_ENCRYPT is set. Connections running with no standard
// security omit the header on regular PDUs, so it is only mandatory
// while the phase demands flagged packets.
func (c *Conn) readSecurityHeader(data []byte, required bool) (flags uint16, body []byte, err error) {
	if !required && !c.security.Active() {
		return 0, data, nil
	}
	s := NewStream(data)
	if flags, err = s.ReadUint16LE("security flags"); err != nil {
		return 0, nil, err
	}
	if _, err = s.ReadUint16LE("security flagsHi"); err != nil {
		return 0, nil, err
	}
	body = s.Bytes()

	if flags&SEC_ENCRYPT != 0 {
		if !c.security.Active() {
			return 0, nil, fmt.Errorf("SEC_ENCRYPT before key exchange: %w", ErrSecurityViolation)
		}
		if len(body) < 8 {
			return 0, nil, fmt.Errorf("encrypted payload without signature: %w", ErrTruncatedPDU)
		}
		mac, ciphertext := body[:8], body[8:]
		if err := c.security.Decrypt(ciphertext, mac); err != nil {
			return 0, nil, err
		}
		body = ciphertext
	}
	return flags, body, nil
}

func (c *Conn) handleIOChannel(data []byte) (Verdict, error) {
	secRequired := c.state == StateSecurityKeyExchange ||
		c.state == StateClientInfo ||
		c.state == StateLicensing
	flags, body, err := c.readSecurityHeader(data, secRequired)
	if err != nil {
		return VerdictFailed, err
	}

	switch c.state {
	case StateSecurityKeyExchange:
		return c.handleSecurityExchange(flags, body)
	case StateClientInfo:
		return c.handleClientInfo(flags, body)
	case StateLicensing:
		return c.handleLicensingPDU(flags, body)
	case StateAutoDetect:
		// Clients without a message channel answer on the IO channel.
		return c.handleAutoDetectResponse(flags, body)
	case StateMultitransportResponse:
		return c.handleMultitransportResponse(flags, body)
	case StateCapabilitiesExchange, StateFinalization, StateActive:
		return c.handleShareControl(body)
	default:
		return VerdictFailed, fmt.Errorf("io channel data in %s: %w", c.state, ErrUnexpectedPDU)
	}
}

// handleMessageChannel processes the MCS message channel, which only
// ever carries flagged packets: autodetect, multitransport, heartbeat.
func (c *Conn) handleMessageChannel(data []byte) (Verdict, error) {
	flags, body, err := c.readSecurityHeader(data, true)
	if err != nil {
		return VerdictFailed, err
	}
	switch {
	case flags&SEC_AUTODETECT_RSP != 0:
		return c.handleAutoDetectResponse(flags, body)
	case flags&SEC_TRANSPORT_RSP != 0:
		return c.handleMultitransportResponse(flags, body)
	case flags&SEC_HEARTBEAT != 0:
		return VerdictSuccess, nil
	default:
		return VerdictFailed, fmt.Errorf("message channel flags 0x%04x: %w", flags, ErrUnexpectedPDU)
	}
}

// --- security exchange and client info -----------------------------------

func (c *Conn) handleSecurityExchange(flags uint16, body []byte) (Verdict, error) {
	if flags&SEC_EXCHANGE_PKT == 0 {
		return VerdictFailed, fmt.Errorf("expected security exchange, flags 0x%04x: %w", flags, ErrUnexpectedPDU)
	}
	encrypted, err := ParseSecurityExchangePDU(NewStream(body))
	if err != nil {
		return VerdictFailed, err
	}
	clientRandom, err := DecryptClientRandom(c.opts.RSAKey, encrypted)
	if err != nil {
		return VerdictFailed, err
	}
	if err := c.security.Establish(clientRandom); err != nil {
		return VerdictFailed, err
	}
	c.log.Debug("session keys established", "method", fmt.Sprintf("0x%08x", c.security.EncryptionMethod))
	if err := c.transition(StateClientInfo); err != nil {
		return VerdictFailed, err
	}
	return VerdictSuccess, nil
}

func (c *Conn) handleClientInfo(flags uint16, body []byte) (Verdict, error) {
	if flags&SEC_INFO_PKT == 0 {
		return VerdictFailed, fmt.Errorf("expected client info, flags 0x%04x: %w", flags, ErrUnexpectedPDU)
	}
	info, err := ParseClientInfoPDU(body)
	if err != nil {
		return VerdictFailed, err
	}
	c.clientInfo = info
	c.log.Info("client info", "user", info.Username, "domain", info.Domain, "autologon", info.AutoLogon())

	next := StateLicensing
	if c.opts.NetworkAutoDetect && c.client.SupportsAutoDetect() && c.messageChannelID != 0 {
		next = StateAutoDetect
	}
	if err := c.transition(next); err != nil {
		return VerdictFailed, err
	}
	return VerdictContinue, nil
}

// --- auto-detect ---------------------------------------------------------

func (c *Conn) beginAutoDetect() (Verdict, error) {
	if c.autodetect != nil {
		// Already probing; wait for the client.
		return VerdictSuccess, nil
	}
	c.autodetect = NewAutoDetectMachine()
	for _, pdu := range c.autodetect.Begin() {
		if err := c.sendOnChannel(c.messageChannelID, SEC_AUTODETECT_REQ, pdu); err != nil {
			return VerdictFailed, err
		}
	}
	return VerdictSuccess, nil
}

func (c *Conn) handleAutoDetectResponse(flags uint16, body []byte) (Verdict, error) {
	if flags&SEC_AUTODETECT_RSP == 0 {
		return VerdictFailed, fmt.Errorf("expected autodetect response, flags 0x%04x: %w", flags, ErrUnexpectedPDU)
	}
	if c.autodetect == nil {
		return VerdictFailed, fmt.Errorf("autodetect response before request: %w", ErrUnexpectedPDU)
	}
	out, done, err := c.autodetect.HandleResponse(body)
	if err != nil {
		return VerdictFailed, err
	}
	for _, pdu := range out {
		if err := c.sendOnChannel(c.messageChannelID, SEC_AUTODETECT_REQ, pdu); err != nil {
			return VerdictFailed, err
		}
	}
	if !done {
		return VerdictSuccess, nil
	}

	r := c.autodetect.Results
	c.log.Info("network characteristics",
		"base_rtt", r.BaseRTT, "avg_rtt", r.AverageRTT, "bandwidth_kbps", r.BandwidthKbps)
	if err := c.transition(StateLicensing); err != nil {
		return VerdictFailed, err
	}
	return VerdictContinue, nil
}

// --- licensing -----------------------------------------------------------

func (c *Conn) beginLicensing() (Verdict, error) {
	if c.license == nil {
		c.license = NewLicenseMachine()
		if c.opts.LicenseRequired {
			c.license.Required = true
			c.license.ServerRandom = c.security.ServerRandom
			if c.opts.RSAKey != nil {
				c.license.ServerCertificate = BuildProprietaryCertificate(&c.opts.RSAKey.PublicKey)
			}
		}
		for _, pdu := range c.license.Begin() {
			if err := c.sendOnChannel(c.ioChannelID, SEC_LICENSE_PKT, pdu); err != nil {
				return VerdictFailed, err
			}
		}
	}
	if !c.license.Completed() {
		return VerdictSuccess, nil
	}
	return c.afterLicensing()
}

func (c *Conn) handleLicensingPDU(flags uint16, body []byte) (Verdict, error) {
	if flags&SEC_LICENSE_PKT == 0 {
		return VerdictFailed, fmt.Errorf("expected license packet, flags 0x%04x: %w", flags, ErrUnexpectedPDU)
	}
	if c.license == nil {
		c.license = NewLicenseMachine()
	}
	out, err := c.license.HandleClientPDU(body)
	if err != nil {
		return VerdictFailed, err
	}
	for _, pdu := range out {
		if err := c.sendOnChannel(c.ioChannelID, SEC_LICENSE_PKT, pdu); err != nil {
			return VerdictFailed, err
		}
	}
	if !c.license.Completed() {
		return VerdictSuccess, nil
	}
	return c.afterLicensing()
}

func (c *Conn) afterLicensing() (Verdict, error) {
	next := StateCapabilitiesExchange
	if c.multitransportWanted() {
		next = StateMultitransportRequest
	}
	if err := c.transition(next); err != nil {
		return VerdictFailed, err
	}
	return VerdictContinue, nil
}

// --- multitransport -------------------------------------------------------

func (c *Conn) multitransportWanted() bool {
	return c.opts.OfferMultitransport &&
		c.client != nil && c.client.Multitransport &&
		c.messageChannelID != 0 &&
		c.client.MultitransportFlags&(TRANSPORT_TYPE_UDP_FECR|TRANSPORT_TYPE_UDP_FECL) != 0
}

func (c *Conn) beginMultitransport() (Verdict, error) {
	c.multitransport = NewMultitransportMachine()
	out, err := c.multitransport.Begin(c.client.MultitransportFlags)
	if err != nil {
		return VerdictFailed, err
	}
	for _, pdu := range out {
		if err := c.sendOnChannel(c.messageChannelID, SEC_TRANSPORT_REQ, pdu); err != nil {
			return VerdictFailed, err
		}
	}

	if c.multitransport.Completed() {
		if err := c.transition(StateCapabilitiesExchange); err != nil {
			return VerdictFailed, err
		}
		return VerdictContinue, nil
	}
	if err := c.transition(StateMultitransportResponse); err != nil {
		return VerdictFailed, err
	}
	return VerdictSuccess, nil
}

func (c *Conn) handleMultitransportResponse(flags uint16, body []byte) (Verdict, error) {
	if flags&SEC_TRANSPORT_RSP == 0 {
		return VerdictFailed, fmt.Errorf("expected transport response, flags 0x%04x: %w", flags, ErrUnexpectedPDU)
	}
	if c.multitransport == nil {
		return VerdictFailed, fmt.Errorf("transport response before request: %w", ErrUnexpectedPDU)
	}
	done, err := c.multitransport.HandleResponse(body)
	if err != nil {
		return VerdictFailed, err
	}
	if !done {
		return VerdictSuccess, nil
	}
	if c.multitransport.Accepted == 0 {
		c.log.Debug("client declined sideband transports, staying on TCP")
	}
	if err := c.transition(StateCapabilitiesExchange); err != nil {
		return VerdictFailed, err
	}
	return VerdictContinue, nil
}

// --- capability exchange and finalization ---------------------------------

func (c *Conn) sendDemandActive() (Verdict, error) {
	if c.shareID == 0 {
		// Low word is the server channel per the share id convention.
		c.shareID = uint32(c.userID) | 0x10000
	}
	cfg := &ServerCapabilitiesConfig{
		DesktopWidth:  c.opts.DesktopWidth,
		DesktopHeight: c.opts.DesktopHeight,
		ColorDepth:    c.opts.ColorDepth,
		VCChunkSize:   uint32(c.opts.VCChunkSize),
	}
	if c.client != nil && c.client.Core != nil {
		cfg.DesktopWidth = c.client.Core.DesktopWidth
		cfg.DesktopHeight = c.client.Core.DesktopHeight
	}
	if err := c.sendSharePDU(buildDemandActivePDU(c.shareID, c.userID, cfg)); err != nil {
		return VerdictFailed, err
	}
	c.log.Debug("demand active sent", "share_id", c.shareID)
	return VerdictSuccess, nil
}

func (c *Conn) confirmActivate(s *Stream) (Verdict, error) {
	caps, err := parseConfirmActivePDU(s)
	if err != nil {
		return VerdictFailed, err
	}
	c.caps = caps
	if caps.VCChunkSize > 0 {
		c.channels.ChunkSize = int(caps.VCChunkSize)
	}
	c.log.Info("confirm active",
		"desktop", fmt.Sprintf("%dx%d", caps.DesktopWidth, caps.DesktopHeight),
		"fastpath_input", caps.FastPathInput,
		"vc_chunk", caps.VCChunkSize)

	c.finalizeFlags = 0
	if err := c.transition(StateFinalization); err != nil {
		return VerdictFailed, err
	}
	return VerdictSuccess, nil
}

func (c *Conn) handleShareControl(body []byte) (Verdict, error) {
	s := NewStream(body)
	hdr, err := parseShareControlHeader(s)
	if err != nil {
		return VerdictFailed, err
	}
	if hdr.IsFlowPDU() {
		return VerdictSuccess, nil
	}
	v, err := c.dispatchShareControl(hdr, s)
	if err != nil {
		return v, err
	}
	if n := s.Len(); n > 0 {
		if c.opts.StrictPadding {
			return VerdictFailed, fmt.Errorf("%d trailing bytes after share PDU type 0x%02x: %w",
				n, hdr.Type(), ErrInvalidHeader)
		}
		c.log.Warn("trailing bytes after share PDU", "type", hdr.Type(), "bytes", n)
	}
	return v, nil
}

func (c *Conn) dispatchShareControl(hdr *ShareControlHeader, s *Stream) (Verdict, error) {
	switch hdr.Type() {
	case PDUTYPE_DATAPDU:
		return c.handleDataPDU(s)
	case PDUTYPE_CONFIRMACTIVEPDU:
		if c.state == StateCapabilitiesExchange {
			return c.confirmActivate(s)
		}
		c.log.Warn("confirm active outside capability exchange")
		return VerdictSuccess, nil
	default:
		return VerdictFailed, fmt.Errorf("share control type 0x%02x: %w", hdr.Type(), ErrUnexpectedPDU)
	}
}

func (c *Conn) handleDataPDU(s *Stream) (Verdict, error) {
	hdr, err := parseShareDataHeader(s)
	if err != nil {
		return VerdictFailed, err
	}

	switch hdr.PDUType2 {
	case PDUTYPE2_SYNCHRONIZE:
		if _, err := parseSynchronizePDU(s); err != nil {
			return VerdictFailed, err
		}
		return c.finalizeStep(finalizeSynchronize, func() error {
			return c.sendSharePDU(buildSynchronizePDU(c.shareID, c.userID, c.userID))
		})

	case PDUTYPE2_CONTROL:
		ctrl, err := parseControlPDU(s)
		if err != nil {
			return VerdictFailed, err
		}
		switch ctrl.Action {
		case CTRLACTION_COOPERATE:
			return c.finalizeStep(finalizeControlCooperate, func() error {
				return c.sendSharePDU(buildControlPDU(c.shareID, c.userID, CTRLACTION_COOPERATE, 0, 0))
			})
		case CTRLACTION_REQUEST_CONTROL:
			return c.finalizeStep(finalizeControlRequest, func() error {
				return c.sendSharePDU(buildControlPDU(c.shareID, c.userID, CTRLACTION_GRANTED_CONTROL, c.userID, 0x03EA))
			})
		default:
			c.log.Warn("unhandled control action", "action", ctrl.Action)
			return VerdictSuccess, nil
		}

	case PDUTYPE2_FONTLIST:
		if err := parseFontListPDU(s); err != nil {
			return VerdictFailed, err
		}
		return c.finalizeStep(finalizeFontList, func() error {
			return c.sendSharePDU(buildFontMapPDU(c.shareID, c.userID))
		})

	case PDUTYPE2_INPUT:
		events, err := parseInputEventPDU(s)
		if err != nil {
			return VerdictFailed, err
		}
		c.deliverInputEvents(events)
		return VerdictSuccess, nil

	case PDUTYPE2_SHUTDOWN_REQUEST:
		if h := c.opts.Hooks.ShutdownRequested; h != nil && !h(c) {
			// Denied; the client stays and may disconnect on its own.
			if err := c.sendSharePDU(buildShutdownDeniedPDU(c.shareID, c.userID)); err != nil {
				return VerdictFailed, err
			}
			return VerdictSuccess, nil
		}
		return VerdictQuit, nil

	case PDUTYPE2_SUPPRESS_OUTPUT:
		p, err := parseSuppressOutputPDU(s)
		if err != nil {
			return VerdictFailed, err
		}
		if h := c.opts.Hooks.SuppressOutput; h != nil {
			h(c, p.AllowDisplayUpdates, p.DesktopRect)
		}
		return VerdictSuccess, nil

	case PDUTYPE2_REFRESH_RECT:
		p, err := parseRefreshRectPDU(s)
		if err != nil {
			return VerdictFailed, err
		}
		if h := c.opts.Hooks.RefreshRect; h != nil {
			h(c, p.Areas)
		}
		return VerdictSuccess, nil

	case PDUTYPE2_FRAME_ACKNOWLEDGE:
		frameID, err := parseFrameAcknowledgePDU(s)
		if err != nil {
			return VerdictFailed, err
		}
		if h := c.opts.Hooks.FrameAcknowledged; h != nil {
			h(c, frameID)
		}
		return VerdictSuccess, nil

	case PDUTYPE2_BITMAPCACHE_PERSISTENT_LIST, PDUTYPE2_SAVE_SESSION_INFO,
		PDUTYPE2_SET_KEYBOARD_INDICATORS, PDUTYPE2_SET_KEYBOARD_IME_STATUS:
		// Accepted and ignored.
		return VerdictSuccess, nil

	default:
		c.log.Debug("ignoring data PDU", "type", dataPDUName(hdr.PDUType2))
		return VerdictSuccess, nil
	}
}

// finalizeStep records one finalization PDU and answers it. The
// sequence is lenient: a step arriving out of order or repeated is
// logged and accepted, only the complete set gates activation.
func (c *Conn) finalizeStep(flag int, respond func() error) (Verdict, error) {
	if c.state != StateFinalization {
		c.log.Warn("finalization PDU outside finalization", "state", c.state)
		if c.state == StateActive {
			return VerdictSuccess, nil
		}
	}
	if c.finalizeFlags&flag != 0 {
		c.log.Warn("repeated finalization step")
	}
	if expectedFinalizeOrder(c.finalizeFlags) != flag {
		c.log.Warn("finalization step out of order")
	}
	c.finalizeFlags |= flag

	if err := respond(); err != nil {
		return VerdictFailed, err
	}
	if c.finalizeFlags != finalizeComplete {
		return VerdictSuccess, nil
	}
	return c.activate()
}

// expectedFinalizeOrder returns the flag the canonical sequence expects
// next given what already arrived.
func expectedFinalizeOrder(done int) int {
	switch {
	case done&finalizeSynchronize == 0:
		return finalizeSynchronize
	case done&finalizeControlCooperate == 0:
		return finalizeControlCooperate
	case done&finalizeControlRequest == 0:
		return finalizeControlRequest
	default:
		return finalizeFontList
	}
}

func (c *Conn) activate() (Verdict, error) {
	first := !c.activated
	if err := c.transition(StateActive); err != nil {
		return VerdictFailed, err
	}

	if c.client.SupportsMonitorLayout() {
		monitors := c.client.Monitors
		if len(monitors) == 0 {
			// Synthesize a primary monitor covering the desktop.
			monitors = []MonitorDef{{
				Right:  int32(c.opts.DesktopWidth) - 1,
				Bottom: int32(c.opts.DesktopHeight) - 1,
				Flags:  MONITOR_PRIMARY,
			}}
		}
		if err := c.sendSharePDU(buildMonitorLayoutPDU(c.shareID, c.userID, monitors)); err != nil {
			return VerdictFailed, err
		}
	}

	if first {
		c.activated = true
		metricConnectionsActive.Inc()
		metricHandshakeDuration.Observe(time.Since(c.started).Seconds())
		c.log.Info("connection active", "took", time.Since(c.started))
		c.startHeartbeat()
		if h := c.opts.Hooks.PostConnect; h != nil {
			if err := h(c); err != nil {
				return VerdictFailed, fmt.Errorf("post-connect hook: %w", err)
			}
		}
	}
	if h := c.opts.Hooks.Activated; h != nil {
		if err := h(c); err != nil {
			return VerdictFailed, fmt.Errorf("activated hook: %w", err)
		}
	}
	return VerdictActive, nil
}

// --- input ----------------------------------------------------------------

func (c *Conn) handleFastPathInput(data []byte) (Verdict, error) {
	if c.state != StateActive && c.state != StateFinalization {
		return VerdictFailed, fmt.Errorf("fast-path input in %s: %w", c.state, ErrUnexpectedPDU)
	}
	data, err := c.decryptFastPathInput(data)
	if err != nil {
		return VerdictFailed, err
	}
	events, err := ParseFastPathInput(data)
	if err != nil {
		return VerdictFailed, err
	}
	for _, ev := range events {
		c.deliverFastPathEvent(ev)
	}
	if c.state == StateActive {
		return VerdictActive, nil
	}
	return VerdictSuccess, nil
}

// decryptFastPathInput strips the standard-security envelope from an
// encrypted fast-path input PDU: an 8-byte data signature after the
// header byte, then RC4 ciphertext. The returned PDU carries the
// header with the ENCRYPTED bit cleared so the parser sees plaintext.
func (c *Conn) decryptFastPathInput(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("fast-path header: %w", ErrTruncatedPDU)
	}
	header := data[0]
	if header>>6&FASTPATH_INPUT_ENCRYPTED == 0 {
		return data, nil
	}
	if !c.security.Active() {
		return nil, fmt.Errorf("encrypted fast-path input without a security session: %w", ErrSecurityViolation)
	}
	if len(data) < 9 {
		return nil, fmt.Errorf("fast-path dataSignature: %w", ErrTruncatedPDU)
	}
	mac, body := data[1:9], data[9:]
	if err := c.security.Decrypt(body, mac); err != nil {
		return nil, fmt.Errorf("fast-path input: %w", err)
	}
	out := make([]byte, 1+len(body))
	out[0] = header &^ (FASTPATH_INPUT_ENCRYPTED << 6)
	copy(out[1:], body)
	return out, nil
}

func (c *Conn) deliverInputEvents(events []InputEvent) {
	h := c.opts.Hooks
	for _, ev := range events {
		switch ev.MessageType {
		case INPUT_EVENT_SCANCODE:
			if h.KeyboardEvent != nil {
				h.KeyboardEvent(c, ev.DeviceFlags, ev.Param1)
			}
		case INPUT_EVENT_UNICODE:
			if h.UnicodeEvent != nil {
				h.UnicodeEvent(c, ev.DeviceFlags, ev.Param1)
			}
		case INPUT_EVENT_MOUSE:
			if h.MouseEvent != nil {
				h.MouseEvent(c, ev.DeviceFlags, ev.Param1, ev.Param2)
			}
		case INPUT_EVENT_MOUSEX:
			if h.ExtendedMouse != nil {
				h.ExtendedMouse(c, ev.DeviceFlags, ev.Param1, ev.Param2)
			}
		case INPUT_EVENT_SYNC:
			if h.SynchronizeEvent != nil {
				h.SynchronizeEvent(c, uint32(ev.Param1)|uint32(ev.Param2)<<16)
			}
		}
	}
}

func (c *Conn) deliverFastPathEvent(ev FastPathInputEvent) {
	h := c.opts.Hooks
	switch ev.Code {
	case FASTPATH_INPUT_EVENT_SCANCODE:
		if h.KeyboardEvent != nil && len(ev.Data) == 1 {
			h.KeyboardEvent(c, uint16(ev.Flags), uint16(ev.Data[0]))
		}
	case FASTPATH_INPUT_EVENT_UNICODE:
		if h.UnicodeEvent != nil && len(ev.Data) == 2 {
			h.UnicodeEvent(c, uint16(ev.Flags), binary.LittleEndian.Uint16(ev.Data))
		}
	case FASTPATH_INPUT_EVENT_MOUSE:
		if h.MouseEvent != nil && len(ev.Data) == 6 {
			h.MouseEvent(c,
				binary.LittleEndian.Uint16(ev.Data),
				binary.LittleEndian.Uint16(ev.Data[2:]),
				binary.LittleEndian.Uint16(ev.Data[4:]))
		}
	case FASTPATH_INPUT_EVENT_MOUSEX:
		if h.ExtendedMouse != nil && len(ev.Data) == 6 {
			h.ExtendedMouse(c,
				binary.LittleEndian.Uint16(ev.Data),
				binary.LittleEndian.Uint16(ev.Data[2:]),
				binary.LittleEndian.Uint16(ev.Data[4:]))
		}
	case FASTPATH_INPUT_EVENT_SYNC:
		if h.SynchronizeEvent != nil {
			h.SynchronizeEvent(c, uint32(ev.Flags))
		}
	}
}

// --- virtual channels -------------------------------------------------------

func (c *Conn) handleVirtualChannelData(ch *Channel, data []byte) (Verdict, error) {
	_, body, err := c.readSecurityHeader(data, false)
	if err != nil {
		return VerdictFailed, err
	}
	metricChannelFragments.WithLabelValues(ch.Name, "in").Inc()

	fragment, flags, totalLength, err := ch.Receive(body)
	if err != nil {
		return VerdictFailed, fmt.Errorf("channel %q: %w", ch.Name, err)
	}
	if h := c.opts.Hooks.VirtualChannelData; h != nil {
		if err := h(c, ch.Name, fragment, flags, totalLength); err != nil {
			return VerdictFailed, fmt.Errorf("channel %q hook: %w", ch.Name, err)
		}
	}
	if c.state == StateActive {
		return VerdictActive, nil
	}
	return VerdictSuccess, nil
}

// OpenChannel marks a joined static virtual channel open for writing.
// Opening an already-open channel returns the same channel. Dynamic
// channel opens (WTS_CHANNEL_OPTION_DYNAMIC) are refused.
func (c *Conn) OpenChannel(name string, flags uint32) (*Channel, error) {
	if c.channels == nil {
		return nil, fmt.Errorf("channels not negotiated yet: %w", ErrChannelNotFound)
	}
	return c.channels.Open(name, flags)
}

// CloseChannel detaches a channel from server-side I/O; it stays
// joined and may be reopened.
func (c *Conn) CloseChannel(name string) error {
	if c.channels == nil {
		return fmt.Errorf("channels not negotiated yet: %w", ErrChannelNotFound)
	}
	return c.channels.Close(name)
}

// WriteChannel fragments data onto a previously opened channel.
func (c *Conn) WriteChannel(name string, data []byte) error {
	ch, ok := c.channels.ByName(name)
	if !ok || !ch.Open {
		return fmt.Errorf("channel %q not open: %w", name, ErrChannelNotFound)
	}
	for _, frag := range c.channels.Fragment(ch, data) {
		if err := c.sendOnChannel(ch.ID, 0, frag); err != nil {
			return err
		}
		metricChannelFragments.WithLabelValues(ch.Name, "out").Inc()
	}
	metricChannelBytesOut.WithLabelValues(ch.Name).Add(float64(len(data)))
	return nil
}

// --- server-initiated operations ---------------------------------------------

// Reactivate sends a Deactivate All PDU and rewinds to the capability
// exchange so new capability sets can be negotiated.
func (c *Conn) Reactivate() error {
	if c.state != StateActive {
		return fmt.Errorf("reactivate in %s: %w", c.state, ErrInvalidTransition)
	}
	if err := c.sendSharePDU(buildDeactivateAllPDU(c.shareID, c.userID)); err != nil {
		return err
	}
	if err := c.transition(StateCapabilitiesExchange); err != nil {
		return err
	}
	_, err := c.sendDemandActive()
	return err
}

// SendBitmapUpdate pushes a framebuffer region to the client as an
// uncompressed bitmap graphics update anchored at (x, y).
func (c *Conn) SendBitmapUpdate(img image.Image, x, y int) error {
	if c.state != StateActive {
		return fmt.Errorf("bitmap update in %s: %w", c.state, ErrInvalidTransition)
	}
	depth := c.opts.ColorDepth
	if depth != 16 && depth != 24 && depth != 32 {
		depth = 16
	}
	rects, err := bitmap.Encode(img, x, y, depth)
	if err != nil {
		return err
	}
	for _, rect := range rects {
		payload := bitmap.BuildUpdateData([]bitmap.Rectangle{rect})
		pdu := wrapShareData(c.shareID, c.userID, PDUTYPE2_UPDATE, payload)
		if err := c.sendSharePDU(pdu); err != nil {
			return err
		}
	}
	return nil
}

// SendErrorInfo reports a session error to clients that asked for
// error info PDUs.
func (c *Conn) SendErrorInfo(code uint32) error {
	if c.client == nil || c.client.Core == nil ||
		c.client.Core.EarlyCapabilityFlags&RNS_UD_CS_SUPPORT_ERRINFO_PDU == 0 {
		return nil
	}
	return c.sendSharePDU(buildSetErrorInfoPDU(c.shareID, c.userID, code))
}

// SendRedirection sends a server redirection packet and closes the
// session; the client reconnects to the named target.
func (c *Conn) SendRedirection(r *Redirection) error {
	if err := c.sendOnChannel(c.ioChannelID, SEC_REDIRECTION_PKT, BuildServerRedirectionPDU(r)); err != nil {
		return err
	}
	c.teardown()
	return nil
}

// --- outbound plumbing ---------------------------------------------------------

// sendSharePDU writes a share control PDU to the IO channel.
func (c *Conn) sendSharePDU(pdu []byte) error {
	return c.sendOnChannel(c.ioChannelID, 0, pdu)
}

// sendOnChannel wraps payload in a security header when needed and
// ships it as an MCS send-data indication on the given channel. The
// write lock covers the RC4 state as well, since the heartbeat
// goroutine and hooks send concurrently with the read loop.
func (c *Conn) sendOnChannel(channelID uint16, secFlags uint16, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var body []byte
	switch {
	case c.security.Active():
		data := append([]byte(nil), payload...)
		mac, err := c.security.Encrypt(data)
		if err != nil {
			return err
		}
		head := make([]byte, 4)
		binary.LittleEndian.PutUint16(head, secFlags|SEC_ENCRYPT)
		body = append(append(head, mac...), data...)
	case secFlags != 0:
		head := make([]byte, 4)
		binary.LittleEndian.PutUint16(head, secFlags)
		body = append(head, payload...)
	default:
		body = payload
	}

	ind := BuildMCSSendDataIndication(c.userID, channelID, body)
	return c.writeLocked(wrapX224Data(ind))
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(data)
}

// blockableTransport is implemented by transports that buffer output
// and can report backpressure, mirroring the drain/blocked split some
// event-loop transports expose.
type blockableTransport interface {
	IsWriteBlocked() bool
	DrainOutput() error
}

func (c *Conn) writeLocked(data []byte) error {
	if bt, ok := c.transport.(blockableTransport); ok && bt.IsWriteBlocked() {
		if err := bt.DrainOutput(); err != nil {
			return fmt.Errorf("drain output: %w", err)
		}
		if bt.IsWriteBlocked() {
			return ErrWriteBlocked
		}
	}
	if _, err := c.transport.Write(data); err != nil {
		return fmt.Errorf("write %d bytes: %w", len(data), err)
	}
	return nil
}

// --- lifecycle -------------------------------------------------------------------

func (c *Conn) failHandshake() {
	if !c.activated {
		metricHandshakeFailures.WithLabelValues(c.state.String()).Inc()
	}
	c.teardown()
}

// teardown leaves ACTIVE exactly once and flips to CLOSED.
func (c *Conn) teardown() {
	if c.state == StateClosed {
		return
	}
	if c.activated {
		metricConnectionsActive.Dec()
		if h := c.opts.Hooks.Disconnected; h != nil {
			h(c)
		}
	}
	c.stopHeartbeat()
	c.state = StateClosed
}

// Close sends a disconnect ultimatum on a best-effort basis and closes
// the transport. Safe to call from any goroutine, repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		var result *multierror.Error

		if c.state == StateActive {
			// Best effort: tell the client the session is over before
			// the transport drops.
			if err := c.sendSharePDU(buildDeactivateAllPDU(c.shareID, c.userID)); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if c.state != StateClosed && c.state != StateInitial {
			ult := wrapX224Data(BuildMCSDisconnectUltimatum(DISCONNECT_REASON_PROVIDER_INITIATED))
			if err := c.write(ult); err != nil {
				result = multierror.Append(result, err)
			}
		}
		c.teardown()
		if err := c.transport.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		c.closeErr = result.ErrorOrNil()
	})
	return c.closeErr
}
