package sensors

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// NUTClient polls a Network UPS Tools daemon over its line-oriented TCP
// protocol. Each Fetch opens a fresh connection; upsd closes idle clients
// aggressively and the poll interval is long enough that reuse buys nothing.
type NUTClient struct {
	addr    string
	upsName string
	timeout time.Duration
}

// NewNUTClient builds a client for the upsd at addr (host:port) serving
// the named UPS.
func NewNUTClient(addr, upsName string) *NUTClient {
	return &NUTClient{addr: addr, upsName: upsName, timeout: 5 * time.Second}
}

func (c *NUTClient) Fetch(ctx context.Context) (PowerSample, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return PowerSample{}, fmt.Errorf("nut: dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}
	rd := bufio.NewReader(conn)

	charge, err := c.getVar(conn, rd, "battery.charge")
	if err != nil {
		return PowerSample{}, err
	}
	pct, err := strconv.ParseFloat(charge, 64)
	if err != nil {
		return PowerSample{}, fmt.Errorf("nut: battery.charge %q: %w", charge, err)
	}

	status, err := c.getVar(conn, rd, "ups.status")
	if err != nil {
		return PowerSample{}, err
	}

	return PowerSample{
		BatteryPercent: pct,
		OnBattery:      statusOnBattery(status),
		Timestamp:      time.Now(),
	}, nil
}

// getVar runs one "GET VAR <ups> <name>" exchange. upsd answers either
// `VAR <ups> <name> "<value>"` or `ERR <reason>`.
func (c *NUTClient) getVar(conn net.Conn, rd *bufio.Reader, name string) (string, error) {
	if _, err := fmt.Fprintf(conn, "GET VAR %s %s\n", c.upsName, name); err != nil {
		return "", fmt.Errorf("nut: write: %w", err)
	}
	line, err := rd.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("nut: read %s: %w", name, err)
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "ERR") {
		return "", fmt.Errorf("nut: %s: %s", name, line)
	}
	start := strings.IndexByte(line, '"')
	end := strings.LastIndexByte(line, '"')
	if start < 0 || end <= start {
		return "", fmt.Errorf("nut: unexpected reply %q", line)
	}
	return line[start+1 : end], nil
}

// statusOnBattery reports whether a NUT status string ("OL", "OB DISCHRG",
// "OL CHRG", ...) indicates the UPS is running on battery.
func statusOnBattery(status string) bool {
	for _, tok := range strings.Fields(status) {
		if tok == "OB" {
			return true
		}
	}
	return false
}
