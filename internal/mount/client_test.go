package mount

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nwerrors "github.com/nightwatch-obs/nightwatch/internal/errors"
)

// fakeController speaks the controller side of the LX200 wire over a
// net.Pipe. Responses are looked up per opcode; an absent entry means the
// controller stays silent.
type fakeController struct {
	conn      net.Conn
	responses map[string]string
	closeOn   string // close the connection after reading this command
	delay     time.Duration

	mu       sync.Mutex
	received []string
}

func newFake(t *testing.T, responses map[string]string) (*Client, *fakeController) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	fake := &fakeController{conn: serverEnd, responses: responses}
	go fake.run()

	c := NewClient(func() (Transport, error) {
		return clientEnd.(Transport), nil
	}, WithTimeout(200*time.Millisecond), WithGrace(50*time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() {
		c.Close()
		serverEnd.Close()
	})
	return c, fake
}

func (f *fakeController) run() {
	buf := make([]byte, 1)
	var cmd []byte
	for {
		if _, err := f.conn.Read(buf); err != nil {
			return
		}
		cmd = append(cmd, buf[0])
		if buf[0] != '#' {
			continue
		}
		command := string(cmd)
		cmd = cmd[:0]
		f.mu.Lock()
		f.received = append(f.received, command)
		f.mu.Unlock()
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.closeOn == command {
			f.conn.Close()
			return
		}
		if resp, ok := f.responses[command]; ok && resp != "" {
			if _, err := f.conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}
}

func (f *fakeController) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

func TestSetTargetAndSlewWireSequence(t *testing.T) {
	c, fake := newFake(t, map[string]string{
		":Sr00:42:45#": "1",
		":Sd+41*16:09#": "1",
		":MS#":          "0", // bare digit, no terminator
	})

	require.NoError(t, c.SetTarget(0.7125, 41.2692))
	require.NoError(t, c.Slew())

	assert.Equal(t, []string{":Sr00:42:45#", ":Sd+41*16:09#", ":MS#"}, fake.commands())
}

func TestSlewRequiresTarget(t *testing.T) {
	c, _ := newFake(t, nil)
	err := c.Slew()
	require.Error(t, err)
	assert.Equal(t, nwerrors.KindValidation, nwerrors.KindOf(err))
}

func TestSlewRefusedReturnsMessage(t *testing.T) {
	c, _ := newFake(t, map[string]string{
		":Sr10:00:00#":  "1",
		":Sd+20*00:00#": "1",
		":MS#":          "1Object below horizon.#",
	})
	require.NoError(t, c.SetTarget(10, 20))
	err := c.Slew()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below horizon")
}

func TestQueryPosition(t *testing.T) {
	c, _ := newFake(t, map[string]string{
		":GR#": "00:42:45#",
		":GD#": "+41*16:09#",
	})
	ra, dec, err := c.QueryPosition()
	require.NoError(t, err)
	assert.InDelta(t, 0.7125, ra, 1e-6)
	assert.InDelta(t, 41.2692, dec, 1e-3)
}

func TestQueryPositionProtocolError(t *testing.T) {
	c, _ := newFake(t, map[string]string{":GR#": "nonsense#"})
	_, _, err := c.QueryPosition()
	require.Error(t, err)
	assert.Equal(t, nwerrors.KindProtocol, nwerrors.KindOf(err))
}

func TestTimeoutLeavesConnectionOpenThenEscalates(t *testing.T) {
	c, _ := newFake(t, nil) // silent controller

	_, _, err := c.QueryPosition()
	require.Error(t, err)
	assert.Equal(t, nwerrors.KindTimeout, nwerrors.KindOf(err))
	assert.Equal(t, StateOpen, c.State(), "first timeout keeps the connection open")

	_, _, err = c.QueryPosition()
	require.Error(t, err)
	assert.Equal(t, StateFaulted, c.State(), "consecutive timeouts fault the connection")
}

func TestConnectionDropMidSlew(t *testing.T) {
	// The controller drops the connection when the slew command arrives.
	clientEnd, serverEnd := net.Pipe()
	fake := &fakeController{
		conn: serverEnd,
		responses: map[string]string{
			":Sr05:00:00#":  "1",
			":Sd+10*00:00#": "1",
		},
		closeOn: ":MS#",
	}
	go fake.run()
	c2 := NewClient(func() (Transport, error) { return clientEnd.(Transport), nil },
		WithTimeout(200*time.Millisecond), WithGrace(50*time.Millisecond))
	require.NoError(t, c2.Connect(context.Background()))

	require.NoError(t, c2.SetTarget(5, 10))
	err := c2.Slew()
	require.Error(t, err)
	assert.Equal(t, nwerrors.KindConnection, nwerrors.KindOf(err))
	assert.Equal(t, StateFaulted, c2.State())
}

func TestGetStatus(t *testing.T) {
	c, _ := newFake(t, map[string]string{
		":GR#": "13:37:00#",
		":GD#": "+47*11:00#",
		":GA#": "+62*30:00#",
		":GZ#": "275*30'00#",
		":Gm#": "W#",
		":GW#": "TN#",
		":GU#": "NnH#",
	})
	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.InDelta(t, 13.616667, st.RA, 1e-4)
	assert.InDelta(t, 47.18333, st.Dec, 1e-3)
	require.NotNil(t, st.Altitude)
	assert.InDelta(t, 62.5, *st.Altitude, 1e-3)
	require.NotNil(t, st.Azimuth)
	assert.InDelta(t, 275.5, *st.Azimuth, 1e-3)
	assert.Equal(t, PierWest, st.PierSide)
	assert.True(t, st.Tracking)
	assert.False(t, st.Slewing)
	assert.False(t, st.Parked)
	assert.False(t, st.Timestamp.IsZero())
}

func TestGetStatusParked(t *testing.T) {
	c, _ := newFake(t, map[string]string{
		":GR#": "00:00:00#",
		":GD#": "+89*59:00#",
		":GA#": "",
		":GZ#": "",
		":Gm#": "N#",
		":GW#": "NN#",
		":GU#": "P#",
	})
	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.True(t, st.Parked)
	assert.Equal(t, PierUnknown, st.PierSide)
	assert.Nil(t, st.Altitude)
}

func TestSimpleCommands(t *testing.T) {
	c, fake := newFake(t, map[string]string{
		":hP#": "1#",
		":hR#": "1#",
		":Te#": "1#",
		":Td#": "1#",
		":TQ#": "#",
	})
	require.NoError(t, c.Park())
	require.NoError(t, c.Unpark())
	require.NoError(t, c.StartTracking())
	require.NoError(t, c.StopTracking())
	require.NoError(t, c.SetTrackingRate(RateSidereal))
	require.NoError(t, c.Stop())
	require.NoError(t, c.StopAxis('n'))

	cmds := fake.commands()
	assert.Contains(t, cmds, ":Q#")
	assert.Contains(t, cmds, ":Qn#")
}

func TestParkRejected(t *testing.T) {
	c, _ := newFake(t, map[string]string{":hP#": "0#"})
	err := c.Park()
	require.Error(t, err)
	assert.Equal(t, nwerrors.KindDevice, nwerrors.KindOf(err))
}

func TestCommandsSerialized(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	fake := &fakeController{
		conn:      serverEnd,
		responses: map[string]string{":hP#": "1#"},
		delay:     5 * time.Millisecond,
	}
	go fake.run()
	c := NewClient(func() (Transport, error) { return clientEnd.(Transport), nil },
		WithTimeout(2*time.Second), WithGrace(50*time.Millisecond))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	// If the command gate were broken, interleaved writes would corrupt the
	// framing and at least one exchange would fail to parse.
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Park()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, fake.commands(), 16)
}

func TestOnStepXExtensions(t *testing.T) {
	c, fake := newFake(t, map[string]string{
		":GXU1#": "ST#",
		":GVN#":  "10.26c#",
	})
	require.NoError(t, c.TrackingFaster())
	require.NoError(t, c.PECPlay())
	st, err := c.AxisDriverStatus(1)
	require.NoError(t, err)
	assert.Equal(t, "ST", st)
	ver, err := c.FirmwareVersion()
	require.NoError(t, err)
	assert.Equal(t, "10.26c", ver)

	cmds := fake.commands()
	assert.Contains(t, cmds, ":T+#")
	assert.Contains(t, cmds, ":$QZ+#")
}

func TestExchangeWhileDisconnected(t *testing.T) {
	c := NewClient(func() (Transport, error) { return nil, assert.AnError })
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, c.State())

	err = c.Park()
	require.Error(t, err)
	assert.Equal(t, nwerrors.KindConnection, nwerrors.KindOf(err))
}
