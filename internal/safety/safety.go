// Package safety reduces the current sensor snapshot to a go/no-go verdict
// and a staged response action, and drives the mount and enclosure when
// conditions demand it. Conditions with hysteresis carry a triggered flag
// between evaluations so readings hovering at a limit cannot oscillate the
// observatory open and closed.
package safety

import "time"

// Action is the staged response chosen by an evaluation, ordered from most
// to least severe.
type Action string

const (
	ActionEmergencyClose     Action = "EMERGENCY_CLOSE"
	ActionLowBatteryShutdown Action = "LOW_BATTERY_SHUTDOWN"
	ActionLowBatteryPark     Action = "LOW_BATTERY_PARK"
	ActionNetworkFailure     Action = "NETWORK_FAILURE"
	ActionParkForDaylight    Action = "PARK_FOR_DAYLIGHT"
	ActionParkAndWait        Action = "PARK_AND_WAIT"
	ActionLowBatteryWarning  Action = "LOW_BATTERY_WARNING"
	ActionSafeToObserve      Action = "SAFE_TO_OBSERVE"
)

// Severity of the alert associated with an action.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// severityFor maps each action to its alert level.
func severityFor(a Action) Severity {
	switch a {
	case ActionEmergencyClose:
		return SeverityEmergency
	case ActionLowBatteryShutdown, ActionLowBatteryPark, ActionNetworkFailure:
		return SeverityCritical
	case ActionSafeToObserve:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// Status is the output of one evaluation.
type Status struct {
	SafeToObserve bool      `json:"safeToObserve"`
	Action        Action    `json:"action"`
	Severity      Severity  `json:"severity"`
	Reasons       []string  `json:"reasons"`
	Timestamp     time.Time `json:"timestamp"`
}

// Thresholds hold the tunable limits for every condition group.
type Thresholds struct {
	WindLimitMPH      float64 `yaml:"windLimitMph"`
	GustLimitMPH      float64 `yaml:"gustLimitMph"`
	WindHysteresisMPH float64 `yaml:"windHysteresisMph"`

	HumidityLimit      float64 `yaml:"humidityLimit"`
	HumidityHysteresis float64 `yaml:"humidityHysteresis"`
	DewMarginF         float64 `yaml:"dewMarginF"`

	RainHoldoff time.Duration `yaml:"rainHoldoff"`

	CloudClearBelow  float64 `yaml:"cloudClearBelow"`
	CloudCloudyAbove float64 `yaml:"cloudCloudyAbove"`
	CloudHysteresis  float64 `yaml:"cloudHysteresis"`

	SunAltitudeLimit      float64 `yaml:"sunAltitudeLimit"`
	SunAltitudeHysteresis float64 `yaml:"sunAltitudeHysteresis"`

	MinTargetAltitude float64 `yaml:"minTargetAltitude"`

	MeridianWarnDeg float64 `yaml:"meridianWarnDeg"`
	MeridianFlipDeg float64 `yaml:"meridianFlipDeg"`

	BatteryWarnPercent      float64 `yaml:"batteryWarnPercent"`
	BatteryParkPercent      float64 `yaml:"batteryParkPercent"`
	BatteryShutdownPercent  float64 `yaml:"batteryShutdownPercent"`
	BatteryEmergencyPercent float64 `yaml:"batteryEmergencyPercent"`

	WeatherStaleness   time.Duration `yaml:"weatherStaleness"`
	CloudStaleness     time.Duration `yaml:"cloudStaleness"`
	EphemerisStaleness time.Duration `yaml:"ephemerisStaleness"`

	UnsafeDurationToPark time.Duration `yaml:"unsafeDurationToPark"`
	SafeDurationToResume time.Duration `yaml:"safeDurationToResume"`

	// Which sensor groups are expected. A required group with a missing or
	// stale sample forces the unsafe state.
	RequireWeather bool `yaml:"requireWeather"`
	RequireCloud   bool `yaml:"requireCloud"`
	RequirePower   bool `yaml:"requirePower"`
	RequireNetwork bool `yaml:"requireNetwork"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WindLimitMPH:      25,
		GustLimitMPH:      35,
		WindHysteresisMPH: 5,

		HumidityLimit:      85,
		HumidityHysteresis: 5,
		DewMarginF:         5,

		RainHoldoff: 30 * time.Minute,

		CloudClearBelow:  -25,
		CloudCloudyAbove: -15,
		CloudHysteresis:  3,

		SunAltitudeLimit:      -12,
		SunAltitudeHysteresis: 2,

		MinTargetAltitude: 10,

		MeridianWarnDeg: 5,
		MeridianFlipDeg: 2,

		BatteryWarnPercent:      50,
		BatteryParkPercent:      30,
		BatteryShutdownPercent:  15,
		BatteryEmergencyPercent: 10,

		WeatherStaleness:   120 * time.Second,
		CloudStaleness:     180 * time.Second,
		EphemerisStaleness: 600 * time.Second,

		UnsafeDurationToPark: 60 * time.Second,
		SafeDurationToResume: 300 * time.Second,

		RequireWeather: true,
		RequireCloud:   true,
		RequirePower:   true,
		RequireNetwork: false,
	}
}
