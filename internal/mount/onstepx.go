package mount

// OnStepX command superset: PEC, driver diagnostics, and tracking-rate
// fine-tuning. All extended commands obey the same command-gate and timeout
// rules as the base set.

// TrackingFaster bumps the tracking rate by 0.02 Hz.
func (c *Client) TrackingFaster() error {
	_, err := c.exchange("tracking_faster", ":T+#", respNone)
	return err
}

// TrackingSlower lowers the tracking rate by 0.02 Hz.
func (c *Client) TrackingSlower() error {
	_, err := c.exchange("tracking_slower", ":T-#", respNone)
	return err
}

// TrackingReset restores the default sidereal rate.
func (c *Client) TrackingReset() error {
	_, err := c.exchange("tracking_reset", ":TR#", respNone)
	return err
}

// PECPlay starts periodic error correction playback.
func (c *Client) PECPlay() error {
	_, err := c.exchange("pec_play", ":$QZ+#", respNone)
	return err
}

// PECStop halts periodic error correction.
func (c *Client) PECStop() error {
	_, err := c.exchange("pec_stop", ":$QZ-#", respNone)
	return err
}

// PECRecord arms PEC recording on the next worm cycle.
func (c *Client) PECRecord() error {
	_, err := c.exchange("pec_record", ":$QZ/#", respNone)
	return err
}

// AxisDriverStatus reads the raw driver diagnostic string for an axis
// (1-based, axis 1 = RA).
func (c *Client) AxisDriverStatus(axis int) (string, error) {
	cmd := ":GXU1#"
	if axis == 2 {
		cmd = ":GXU2#"
	}
	return c.exchange("driver_status", cmd, respAny)
}

// FirmwareVersion reads the OnStep firmware version string.
func (c *Client) FirmwareVersion() (string, error) {
	return c.exchange("firmware_version", ":GVN#", respAny)
}
