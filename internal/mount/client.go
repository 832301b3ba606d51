// Package mount implements the LX200 protocol engine that carries typed
// requests to an OnStepX or LX200-compatible controller over TCP or serial.
//
// Every command exchange is serialized through a single mutex so that one
// request/response pair completes before the next command is written. The
// engine never reconnects on its own; a faulted connection stays faulted
// until the owner calls Connect again.
package mount

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nightwatch-obs/nightwatch/internal/coords"
	"github.com/nightwatch-obs/nightwatch/internal/errors"
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateClosed     ConnState = "closed"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateFaulted    ConnState = "faulted"
)

// PierSide reports which side of the pier a German equatorial mount sits on.
type PierSide string

const (
	PierEast    PierSide = "east"
	PierWest    PierSide = "west"
	PierUnknown PierSide = "unknown"
)

// TrackingRate selects the controller tracking rate.
type TrackingRate string

const (
	RateSidereal TrackingRate = "sidereal"
	RateLunar    TrackingRate = "lunar"
	RateSolar    TrackingRate = "solar"
	RateKing     TrackingRate = "king"
)

// Status is a snapshot of the mount state assembled from several queries.
type Status struct {
	RA        float64   `json:"ra"`
	Dec       float64   `json:"dec"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Azimuth   *float64  `json:"azimuth,omitempty"`
	Tracking  bool      `json:"tracking"`
	Slewing   bool      `json:"slewing"`
	Parked    bool      `json:"parked"`
	PierSide  PierSide  `json:"pierSide"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	defaultTimeout = 5 * time.Second
	// graceWindow bounds the wait for bytes after the first one, so that
	// single-digit responses without a terminator are recognized quickly.
	graceWindow = 250 * time.Millisecond

	deviceName = "mount"
)

// Client drives one logical controller connection.
type Client struct {
	dial    Dialer
	timeout time.Duration
	grace   time.Duration
	logger  zerolog.Logger

	cmdMu sync.Mutex // command gate: one exchange in flight

	stateMu      sync.Mutex
	state        ConnState
	tr           Transport
	timeoutRun   int // consecutive exchange timeouts
	targetSet    bool
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-command response deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithGrace overrides the inter-byte grace window used to detect
// unterminated single-digit responses.
func WithGrace(d time.Duration) Option {
	return func(c *Client) { c.grace = d }
}

// NewClient creates a disconnected client around a dialer.
func NewClient(dial Dialer, opts ...Option) *Client {
	c := &Client{
		dial:    dial,
		timeout: defaultTimeout,
		grace:   graceWindow,
		state:   StateClosed,
		logger:  log.With().Str("component", "mount").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Connect attempts the transport. On failure the state returns to closed and
// the cause is surfaced.
func (c *Client) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state == StateOpen {
		c.stateMu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.stateMu.Unlock()

	type dialResult struct {
		tr  Transport
		err error
	}
	ch := make(chan dialResult, 1)
	go func() {
		tr, err := c.dial()
		ch <- dialResult{tr, err}
	}()

	select {
	case <-ctx.Done():
		c.setState(StateClosed)
		return errors.WrapConnection("connect", deviceName, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			c.setState(StateClosed)
			return errors.WrapConnection("connect", deviceName, res.err)
		}
		c.stateMu.Lock()
		c.tr = res.tr
		c.state = StateOpen
		c.timeoutRun = 0
		c.stateMu.Unlock()
		c.logger.Info().Msg("Mount connection established")
		return nil
	}
}

// Close tears down the transport and returns the state to closed.
func (c *Client) Close() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	var err error
	if c.tr != nil {
		err = c.tr.Close()
		c.tr = nil
	}
	c.state = StateClosed
	return err
}

func (c *Client) setState(s ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// fault closes the transport and marks the connection faulted.
func (c *Client) fault(op string, cause error) {
	c.stateMu.Lock()
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
	c.state = StateFaulted
	c.stateMu.Unlock()
	c.logger.Error().Err(cause).Str("op", op).Msg("Mount connection faulted")
}

type responseMode int

const (
	respNone responseMode = iota // command produces no reply
	respAny                      // terminated payload or bare digit
)

// exchange performs one serialized request/response round trip.
func (c *Client) exchange(op, cmd string, mode responseMode) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.stateMu.Lock()
	tr := c.tr
	open := c.state == StateOpen
	c.stateMu.Unlock()
	if !open || tr == nil {
		return "", errors.WrapConnection(op, deviceName, fmt.Errorf("connection is %s", c.State()))
	}

	if _, err := tr.Write([]byte(cmd)); err != nil {
		c.fault(op, err)
		return "", errors.WrapConnection(op, deviceName, err)
	}

	if mode == respNone {
		c.noteSuccess()
		return "", nil
	}

	resp, err := c.readResponse(tr)
	if err != nil {
		if isTimeout(err) {
			// A slow controller is not a dead controller; the connection
			// stays open unless timeouts repeat back to back.
			c.stateMu.Lock()
			c.timeoutRun++
			escalate := c.timeoutRun >= 2
			c.stateMu.Unlock()
			if escalate {
				c.fault(op, err)
			}
			return "", errors.WrapTimeout(op, deviceName)
		}
		c.fault(op, err)
		return "", errors.WrapConnection(op, deviceName, err)
	}
	c.noteSuccess()
	return resp, nil
}

func (c *Client) noteSuccess() {
	c.stateMu.Lock()
	c.timeoutRun = 0
	c.stateMu.Unlock()
}

// readResponse reads a reply that is either a '#'-terminated payload or a
// bare ASCII digit with no terminator. The terminator is stripped.
func (c *Client) readResponse(tr Transport) (string, error) {
	buf := make([]byte, 0, 32)
	one := make([]byte, 1)
	if err := tr.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	for {
		n, err := tr.Read(one)
		if n > 0 {
			if one[0] == '#' {
				return string(buf), nil
			}
			buf = append(buf, one[0])
			if derr := tr.SetReadDeadline(time.Now().Add(c.grace)); derr != nil {
				return "", derr
			}
			continue
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if len(buf) > 0 {
				// Unterminated form (e.g. MS ack digit).
				return string(buf), nil
			}
			return "", err
		}
		return "", err
	}
}

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	_, ok := err.(timeoutError)
	return ok
}

// QueryPosition reads the current RA/Dec.
func (c *Client) QueryPosition() (ra, dec float64, err error) {
	raw, err := c.exchange("query_position", ":GR#", respAny)
	if err != nil {
		return 0, 0, err
	}
	ra, perr := coords.ParseRA(raw)
	if perr != nil {
		return 0, 0, errors.WrapProtocol("query_position", deviceName, perr)
	}
	raw, err = c.exchange("query_position", ":GD#", respAny)
	if err != nil {
		return 0, 0, err
	}
	dec, perr = coords.ParseDec(raw)
	if perr != nil {
		return 0, 0, errors.WrapProtocol("query_position", deviceName, perr)
	}
	return ra, dec, nil
}

// SetTarget loads the slew target into the controller. Both sub-commands
// must acknowledge with 1.
func (c *Client) SetTarget(ra, dec float64) error {
	resp, err := c.exchange("set_target", fmt.Sprintf(":Sr%s#", coords.FormatRA(ra)), respAny)
	if err != nil {
		return err
	}
	if resp != "1" {
		return errors.WrapDevice("set_target", deviceName, fmt.Errorf("target RA rejected (%q)", resp))
	}
	resp, err = c.exchange("set_target", fmt.Sprintf(":Sd%s#", coords.FormatDec(dec)), respAny)
	if err != nil {
		return err
	}
	if resp != "1" {
		return errors.WrapDevice("set_target", deviceName, fmt.Errorf("target Dec rejected (%q)", resp))
	}
	c.stateMu.Lock()
	c.targetSet = true
	c.stateMu.Unlock()
	return nil
}

// Slew starts a goto to the previously set target. The controller
// acknowledges with 0; any other reply is the failure message.
func (c *Client) Slew() error {
	c.stateMu.Lock()
	ready := c.targetSet
	c.stateMu.Unlock()
	if !ready {
		return errors.New(errors.KindValidation, "slew", deviceName, fmt.Errorf("no target set"))
	}
	resp, err := c.exchange("slew", ":MS#", respAny)
	if err != nil {
		return err
	}
	if resp != "0" {
		return errors.WrapDevice("slew", deviceName, fmt.Errorf("slew refused: %s", strings.TrimSpace(resp)))
	}
	return nil
}

// SyncToTarget aligns the model on the current target and returns the
// controller message.
func (c *Client) SyncToTarget() (string, error) {
	return c.exchange("sync", ":CM#", respAny)
}

// Stop halts all motion immediately.
func (c *Client) Stop() error {
	_, err := c.exchange("stop", ":Q#", respNone)
	return err
}

// StopAxis halts one axis; dir is one of n, s, e, w.
func (c *Client) StopAxis(dir rune) error {
	switch dir {
	case 'n', 's', 'e', 'w':
	default:
		return errors.New(errors.KindValidation, "stop_axis", deviceName, fmt.Errorf("bad axis %q", dir))
	}
	_, err := c.exchange("stop_axis", fmt.Sprintf(":Q%c#", dir), respNone)
	return err
}

func (c *Client) simpleBool(op, cmd string) error {
	resp, err := c.exchange(op, cmd, respAny)
	if err != nil {
		return err
	}
	if resp != "1" {
		return errors.WrapDevice(op, deviceName, fmt.Errorf("controller returned %q", resp))
	}
	return nil
}

// Park slews to the park position and stops tracking.
func (c *Client) Park() error { return c.simpleBool("park", ":hP#") }

// Unpark releases the mount from the parked state.
func (c *Client) Unpark() error { return c.simpleBool("unpark", ":hR#") }

// Home slews to the home/index position.
func (c *Client) Home() error { return c.simpleBool("home", ":hC#") }

// SetParkPosition stores the current position as the park position.
func (c *Client) SetParkPosition() error { return c.simpleBool("set_park", ":hQ#") }

// StartTracking enables sidereal tracking.
func (c *Client) StartTracking() error { return c.simpleBool("start_tracking", ":Te#") }

// StopTracking disables tracking.
func (c *Client) StopTracking() error { return c.simpleBool("stop_tracking", ":Td#") }

// SetTrackingRate selects the base tracking rate.
func (c *Client) SetTrackingRate(rate TrackingRate) error {
	var cmd string
	switch rate {
	case RateSidereal:
		cmd = ":TQ#"
	case RateLunar:
		cmd = ":TL#"
	case RateSolar:
		cmd = ":TS#"
	case RateKing:
		cmd = ":TK#"
	default:
		return errors.New(errors.KindValidation, "set_tracking_rate", deviceName, fmt.Errorf("unknown rate %q", rate))
	}
	_, err := c.exchange("set_tracking_rate", cmd, respAny)
	return err
}

// GetStatus issues the position, tracking-state, pier-side, and park queries
// and assembles a snapshot. Altitude/azimuth are best effort; every other
// field is required and a parse failure is a protocol error.
func (c *Client) GetStatus() (*Status, error) {
	ra, dec, err := c.QueryPosition()
	if err != nil {
		return nil, err
	}

	st := &Status{RA: ra, Dec: dec, PierSide: PierUnknown}

	if raw, err := c.exchange("get_status", ":GA#", respAny); err == nil {
		if alt, perr := coords.ParseDec(raw); perr == nil {
			st.Altitude = &alt
		}
	}
	if raw, err := c.exchange("get_status", ":GZ#", respAny); err == nil {
		if az, perr := coords.ParseAz(raw); perr == nil {
			st.Azimuth = &az
		}
	}

	raw, err := c.exchange("get_status", ":Gm#", respAny)
	if err != nil {
		return nil, err
	}
	switch raw {
	case "E":
		st.PierSide = PierEast
	case "W":
		st.PierSide = PierWest
	case "N", "":
		st.PierSide = PierUnknown
	default:
		return nil, errors.WrapProtocol("get_status", deviceName, fmt.Errorf("bad pier side %q", raw))
	}

	raw, err = c.exchange("get_status", ":GW#", respAny)
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, errors.WrapProtocol("get_status", deviceName, fmt.Errorf("bad GW status %q", raw))
	}
	st.Tracking = raw[0] == 'T'
	st.Slewing = raw[1] == 'S'

	raw, err = c.exchange("get_status", ":GU#", respAny)
	if err != nil {
		return nil, err
	}
	st.Parked = strings.ContainsRune(raw, 'P')

	st.Timestamp = time.Now()
	return st, nil
}
