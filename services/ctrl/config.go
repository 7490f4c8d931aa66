package ctrl

import (
	"errors"

	"github.com/andreyvit/tinyjson"

	"chargectl-go/battery"
)

// -----------------------------------------------------------------------------
// Embedded board configurations (live in flash, not RAM)
// -----------------------------------------------------------------------------

var embeddedConfigs = map[string][]byte{
	"mppt-1210-hus": []byte(`{
		"battery_type": "agm",
		"num_cells": 6,
		"nominal_capacity": 100,
		"has_dcdc": true,
		"dcdc_current_max": 10,
		"hs_voltage_max": 55,
		"ls_voltage_max": 16,
		"load_current_max": 10,
		"solar_current_max": 18,
		"solar_voltage_floor": 14
	}`),
	"pwm-2420-lus": []byte(`{
		"battery_type": "flooded",
		"num_cells": 6,
		"nominal_capacity": 100,
		"has_pwm_switch": true,
		"pwm_current_max": 20,
		"ls_voltage_max": 16,
		"load_current_max": 20,
		"solar_current_max": 20,
		"solar_voltage_floor": 14
	}`),
}

// EmbeddedConfigLookup allows overriding how board configs are resolved.
var EmbeddedConfigLookup = func(board string) ([]byte, bool) {
	b, ok := embeddedConfigs[board]
	return b, ok
}

// LoadBoardConfig parses the embedded JSON configuration of a board.
func LoadBoardConfig(board string) (Config, error) {
	raw, ok := EmbeddedConfigLookup(board)
	if !ok || len(raw) == 0 {
		return Config{}, errors.New("no embedded config for board: " + board)
	}

	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return Config{}, errors.New("embedded config is not a JSON object")
	}

	cfg := Config{
		BatteryType:       batteryType(str(m, "battery_type")),
		NumCells:          int(num(m, "num_cells")),
		NominalCapacity:   float32(num(m, "nominal_capacity")),
		HasDcdc:           boolean(m, "has_dcdc"),
		HasPwmSwitch:      boolean(m, "has_pwm_switch"),
		DcdcCurrentMax:    float32(num(m, "dcdc_current_max")),
		HsVoltageMax:      float32(num(m, "hs_voltage_max")),
		LsVoltageMax:      float32(num(m, "ls_voltage_max")),
		PwmCurrentMax:     float32(num(m, "pwm_current_max")),
		LoadCurrentMax:    float32(num(m, "load_current_max")),
		SolarCurrentMax:   float32(num(m, "solar_current_max")),
		SolarVoltageFloor: float32(num(m, "solar_voltage_floor")),
		ExpertPassword:    str(m, "expert_password"),
		MakerPassword:     str(m, "maker_password"),
	}

	if cfg.NumCells == 0 || cfg.NominalCapacity == 0 {
		return Config{}, errors.New("board config missing battery parameters")
	}
	return cfg, nil
}

func batteryType(s string) battery.Type {
	switch s {
	case "flooded":
		return battery.TypeFlooded
	case "gel":
		return battery.TypeGel
	case "agm":
		return battery.TypeAGM
	case "lfp":
		return battery.TypeLFP
	case "nmc":
		return battery.TypeNMC
	case "nmc-hv":
		return battery.TypeNMCHV
	default:
		return battery.TypeCustom
	}
}

func num(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func boolean(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
