package ctrl

import (
	"chargectl-go/services/telemetry"
)

// Node access shorthands. Config and commands require at least the
// expert level; measurements and statistics are world-readable.
const (
	accMeas = telemetry.ReadAll
	accConf = telemetry.ReadAll | telemetry.WriteExpert | telemetry.WriteMaker
	accAct  = telemetry.ReadAll | telemetry.WriteAll
	accCmd  = telemetry.WriteExpert | telemetry.WriteMaker
)

// registerNodes builds the data node table. IDs are stable: they key the
// persisted blob and the external protocols, so changing them requires a
// SchemaVersion bump.
func (c *Controller) registerNodes() {
	add := func(n *telemetry.Node) {
		if err := c.Registry.Add(n); err != nil {
			// duplicate IDs are a programming error caught in tests
			println("Error: node table:", err.Error())
		}
	}
	// ---- measurements ----
	add(&telemetry.Node{ID: 0x71, Name: "Bat_V", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.BatBus.Voltage})
	add(&telemetry.Node{ID: 0x72, Name: "Solar_V", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.SolarBus.Voltage})
	add(&telemetry.Node{ID: 0x73, Name: "Bat_A", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.BatPort.Current})
	add(&telemetry.Node{ID: 0x74, Name: "Load_A", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.LoadPort.Current})
	add(&telemetry.Node{ID: 0x75, Name: "Bat_W", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.BatPort.Power})
	add(&telemetry.Node{ID: 0x76, Name: "Solar_W", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.SolarPort.Power})
	add(&telemetry.Node{ID: 0x77, Name: "Load_W", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.LoadPort.Power})
	add(&telemetry.Node{ID: 0x78, Name: "Bat_degC", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.Charger.BatTemperature})
	add(&telemetry.Node{ID: 0x79, Name: "Internal_degC", Cat: telemetry.CatMeasurement,
		Access: accMeas, F32: &c.DevStat.InternalTemp})
	add(&telemetry.Node{ID: 0x7A, Name: "ErrorFlags", Cat: telemetry.CatMeasurement,
		Access: accMeas, U32: &c.errorFlagsNode})
	add(&telemetry.Node{ID: 0x7B, Name: "ChargerState", Cat: telemetry.CatMeasurement,
		Access: accMeas, U16: &c.chargerStateNode})
	add(&telemetry.Node{ID: 0x7C, Name: "SOC_pct", Cat: telemetry.CatMeasurement,
		Access: accMeas, U16: &c.Charger.Soc})
	add(&telemetry.Node{ID: 0x7D, Name: "SOH_pct", Cat: telemetry.CatMeasurement,
		Access: accMeas, U16: &c.Charger.Soh})

	// ---- battery configuration (staging copy; commit on write) ----
	s := &c.BatConfStaging
	add(&telemetry.Node{ID: 0x30, Name: "BatNom_Ah", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.NominalCapacity})
	add(&telemetry.Node{ID: 0x31, Name: "BatChgVoltage_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.ToppingVoltage})
	add(&telemetry.Node{ID: 0x32, Name: "BatRechargeVoltage_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.RechargeVoltage})
	add(&telemetry.Node{ID: 0x33, Name: "BatAbsMax_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.AbsoluteMaxVoltage})
	add(&telemetry.Node{ID: 0x34, Name: "BatAbsMin_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.AbsoluteMinVoltage})
	add(&telemetry.Node{ID: 0x35, Name: "BatChgCurrentMax_A", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.ChargeCurrentMax})
	add(&telemetry.Node{ID: 0x36, Name: "BatDisCurrentMax_A", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.DischargeCurrentMax})
	add(&telemetry.Node{ID: 0x37, Name: "BatCutoffCurrent_A", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.ToppingCutoffCurrent})
	add(&telemetry.Node{ID: 0x38, Name: "BatCutoffTime_s", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, U32: &s.ToppingDuration})
	add(&telemetry.Node{ID: 0x39, Name: "FloatEn", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, B: &s.FloatEnabled})
	add(&telemetry.Node{ID: 0x3A, Name: "FloatVoltage_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.FloatVoltage})
	add(&telemetry.Node{ID: 0x3B, Name: "FloatRechargeTime_s", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, U32: &s.FloatRechargeTime})
	add(&telemetry.Node{ID: 0x3C, Name: "EqlEn", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, B: &s.EqlEnabled})
	add(&telemetry.Node{ID: 0x3D, Name: "EqlVoltage_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.EqlVoltage})
	add(&telemetry.Node{ID: 0x3E, Name: "EqlDuration_s", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, U32: &s.EqlDuration})
	add(&telemetry.Node{ID: 0x3F, Name: "EqlCurrent_A", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.EqlCurrentLimit})

	add(&telemetry.Node{ID: 0x50, Name: "BatInt_Ohm", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.InternalResistance})
	add(&telemetry.Node{ID: 0x51, Name: "BatWire_Ohm", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.WireResistance})
	add(&telemetry.Node{ID: 0x52, Name: "BatChgTempMax_degC", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.ChargeTempMax})
	add(&telemetry.Node{ID: 0x53, Name: "BatChgTempMin_degC", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.ChargeTempMin})
	add(&telemetry.Node{ID: 0x54, Name: "BatDisTempMax_degC", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.DischargeTempMax})
	add(&telemetry.Node{ID: 0x55, Name: "BatDisTempMin_degC", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.DischargeTempMin})
	add(&telemetry.Node{ID: 0x56, Name: "BatTempComp_mV-K", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.TemperatureCompensation})
	add(&telemetry.Node{ID: 0x57, Name: "EqlTriggerDays", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, U32: &s.EqlTriggerDays})
	add(&telemetry.Node{ID: 0x58, Name: "EqlDeepDisTrigger", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, U32: &s.EqlTriggerDeepCycles})
	add(&telemetry.Node{ID: 0x59, Name: "BatOcvFull_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.OcvFull})
	add(&telemetry.Node{ID: 0x5A, Name: "BatOcvEmpty_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.OcvEmpty})
	add(&telemetry.Node{ID: 0x5B, Name: "BatRechargeTime_s", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, U32: &s.TimeLimitRecharge})

	// ---- load output configuration ----
	add(&telemetry.Node{ID: 0x40, Name: "LoadDisconnect_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.LoadDisconnectVoltage})
	add(&telemetry.Node{ID: 0x41, Name: "LoadReconnect_V", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, F32: &s.LoadReconnectVoltage})
	add(&telemetry.Node{ID: 0x42, Name: "LoadOCRecovery_s", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, U32: &c.Load.OcRecoveryDelay})
	add(&telemetry.Node{ID: 0x43, Name: "LoadUVRecovery_s", Cat: telemetry.CatConf,
		Access: accConf, Persist: true, U32: &c.Load.LvdRecoveryDelay})

	// ---- statistics ----
	d := c.DevStat
	add(&telemetry.Node{ID: 0x08, Name: "SolarInTotal_Wh", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.SolarInTotalWh})
	add(&telemetry.Node{ID: 0x09, Name: "LoadOutTotal_Wh", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.LoadOutTotalWh})
	add(&telemetry.Node{ID: 0x0A, Name: "BatChgTotal_Wh", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.BatChgTotalWh})
	add(&telemetry.Node{ID: 0x0B, Name: "BatDisTotal_Wh", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.BatDisTotalWh})
	add(&telemetry.Node{ID: 0x0C, Name: "FullChgCount", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, U16: &c.Charger.NumFullCharges})
	add(&telemetry.Node{ID: 0x0D, Name: "DeepDisCount", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, U16: &c.Charger.NumDeepDischarges})
	add(&telemetry.Node{ID: 0x0E, Name: "BatUsable_Ah", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &c.Charger.UsableCapacity})
	add(&telemetry.Node{ID: 0xA6, Name: "DayCount", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, U32: &d.DayCounter})

	add(&telemetry.Node{ID: 0xB1, Name: "SolarMaxDay_W", Cat: telemetry.CatStatistic,
		Access: accMeas, F32: &d.SolarPowerMaxDay})
	add(&telemetry.Node{ID: 0xB2, Name: "LoadMaxDay_W", Cat: telemetry.CatStatistic,
		Access: accMeas, F32: &d.LoadPowerMaxDay})
	add(&telemetry.Node{ID: 0xB3, Name: "SolarMaxTotal_W", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.SolarPowerMaxTotal})
	add(&telemetry.Node{ID: 0xB4, Name: "LoadMaxTotal_W", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.LoadPowerMaxTotal})
	add(&telemetry.Node{ID: 0xB5, Name: "BatMax_V", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.BatteryVoltageMax})
	add(&telemetry.Node{ID: 0xB6, Name: "SolarMax_V", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.SolarVoltageMax})
	add(&telemetry.Node{ID: 0xB7, Name: "DcdcMax_A", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.DcdcCurrentMax})
	add(&telemetry.Node{ID: 0xB8, Name: "LoadMax_A", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.LoadCurrentMax})
	add(&telemetry.Node{ID: 0xB9, Name: "BatTempMax_degC", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.BatTempMax})
	add(&telemetry.Node{ID: 0xBA, Name: "IntTempMax_degC", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.IntTempMax})
	add(&telemetry.Node{ID: 0xBB, Name: "MosfetTempMax_degC", Cat: telemetry.CatStatistic,
		Access: accMeas, Persist: true, F32: &d.MosfetTempMax})

	// ---- actuators ----
	add(&telemetry.Node{ID: 0x60, Name: "LoadEn", Cat: telemetry.CatActuator,
		Access: accAct, Persist: true, B: &c.Load.Enable})
	add(&telemetry.Node{ID: 0x61, Name: "UsbEn", Cat: telemetry.CatActuator,
		Access: accAct, Persist: true, B: &c.Usb.Enable})
	if c.Dcdc != nil {
		add(&telemetry.Node{ID: 0x62, Name: "DcdcEn", Cat: telemetry.CatActuator,
			Access: accAct, Persist: true, B: &c.Dcdc.Enable})
	}
	if c.Pwm != nil {
		add(&telemetry.Node{ID: 0x63, Name: "PwmEn", Cat: telemetry.CatActuator,
			Access: accAct, Persist: true, B: &c.Pwm.Enable})
	}

	// ---- commands ----
	add(&telemetry.Node{ID: 0xE0, Name: "SaveSettings", Cat: telemetry.CatCommand,
		Access: accCmd, Fn: c.Save})
	add(&telemetry.Node{ID: 0xE1, Name: "Reset", Cat: telemetry.CatCommand,
		Access: accCmd, Fn: func() error {
			if c.hw.Reboot != nil {
				c.hw.Reboot()
			}
			return nil
		}})
}
