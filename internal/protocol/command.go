package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Command names understood by the device.
const (
	CommandGetConfig          = "get_config"
	CommandSetConfig          = "set_config"
	CommandCalibrateGyro      = "calibrate_gyro"
	CommandResetDeadReckoning = "reset_dead_reckoning"
	CommandTriggerPing        = "trigger_ping"
)

// Configuration parameter names.
const (
	ParamSpeedOfSound           = "speed_of_sound"
	ParamMountingRotationOffset = "mounting_rotation_offset"
	ParamAcousticEnabled        = "acoustic_enabled"
	ParamDarkModeEnabled        = "dark_mode_enabled"
	ParamRangeMode              = "range_mode"
	ParamPeriodicCyclingEnabled = "periodic_cycling_enabled"
)

// Command is one outbound request. Parameter writes are always sent as
// set_config, so every parameter write shares that correlation key.
type Command struct {
	Name       string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// NewCommand builds a zero-argument command.
func NewCommand(name string) Command {
	return Command{Name: name}
}

// SetParameter builds a set_config command writing a single parameter.
func SetParameter(name string, value any) Command {
	return Command{Name: CommandSetConfig, Parameters: map[string]any{name: value}}
}

// SetParameters builds a set_config command writing several parameters.
func SetParameters(params map[string]any) Command {
	return Command{Name: CommandSetConfig, Parameters: params}
}

// Key is the name the device uses when answering this command.
func (c Command) Key() string {
	return c.Name
}

// EncodeJSON renders the command for the network channel.
func EncodeJSON(c Command) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode command %q: %w", c.Name, err)
	}
	return string(b), nil
}

var serialCommands = map[string]string{
	CommandGetConfig:          "wcc",
	CommandCalibrateGyro:      "wcg",
	CommandResetDeadReckoning: "wcr",
}

// serialConfigOrder is the positional layout of the serial set-config command.
var serialConfigOrder = []string{
	ParamSpeedOfSound,
	ParamMountingRotationOffset,
	ParamAcousticEnabled,
	ParamDarkModeEnabled,
	ParamRangeMode,
	ParamPeriodicCyclingEnabled,
}

// EncodeSerial renders the command as a checksummed serial line (without the
// line terminator). Positions left empty in set-config keep their current
// device value.
func EncodeSerial(c Command) (string, error) {
	if c.Name != CommandSetConfig {
		code, ok := serialCommands[c.Name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedCommand, c.Name)
		}
		return AppendChecksum(code), nil
	}

	for name := range c.Parameters {
		if !knownParam(name) {
			return "", fmt.Errorf("%w: parameter %s", ErrUnsupportedCommand, name)
		}
	}
	fields := make([]string, 0, len(serialConfigOrder)+1)
	fields = append(fields, "wcs")
	for _, name := range serialConfigOrder {
		v, ok := c.Parameters[name]
		if !ok {
			fields = append(fields, "")
			continue
		}
		fields = append(fields, serialValue(v))
	}
	return AppendChecksum(strings.Join(fields, ",")), nil
}

func knownParam(name string) bool {
	for _, p := range serialConfigOrder {
		if p == name {
			return true
		}
	}
	return false
}

func serialValue(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "y"
		}
		return "n"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
