package ctrl

import (
	"context"
	"time"

	"chargectl-go/bus"
	"chargectl-go/devstat"
	"chargectl-go/types"
	"chargectl-go/x/timex"
)

// Bus topics of the control service.
var (
	TopicControlTarget = bus.T("ctrl", "target_current")

	topicMeasBat     = bus.T("meas", "bat")
	topicMeasSolar   = bus.T("meas", "solar")
	topicMeasLoad    = bus.T("meas", "load")
	topicCharger     = bus.T("state", "charger")
	topicLoadState   = bus.T("state", "load")
	topicDcdcState   = bus.T("state", "dcdc")
	topicErrorFlags  = bus.T("state", "errors")
)

const (
	fastTickHz = 1000
	slowTickHz = 10
)

// Run executes the control tasks until the context is cancelled. The fast
// task runs in its own goroutine and performs only word-sized writes
// (measurements, temperatures and power-stage state); the slow task owns
// setpoints and state machines.
func (c *Controller) Run(ctx context.Context, conn *bus.Connection) {
	ctrlSub := conn.Subscribe(TopicControlTarget)
	defer ctrlSub.Unsubscribe()

	go c.fastLoop(ctx)

	slow := time.NewTicker(timex.PeriodFromHz(slowTickHz))
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			println("Info: control service stopping")
			return
		case msg := <-ctrlSub.Channel():
			if tgt, ok := msg.Payload.(types.ControlTarget); ok {
				c.Charger.ControlMessageHook(tgt.TargetCurrent, timex.Uptime())
			}
		case <-slow.C:
			c.SlowTick(timex.Uptime(), conn)
		}
	}
}

func (c *Controller) fastLoop(ctx context.Context) {
	fast := time.NewTicker(timex.PeriodFromHz(fastTickHz))
	defer fast.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			c.FastTick(timex.UptimeMs())
		}
	}
}

// FastTick acquires measurements and advances the power stage. Also
// callable synchronously from the simulator.
func (c *Controller) FastTick(nowMs int64) {
	c.Daq.UpdateMeasurements()

	c.Charger.BatTemperature = c.Daq.BatTemperature()
	c.Charger.ExtTempSensor = c.Daq.ExtTempSensor()
	c.DevStat.InternalTemp = c.Daq.McuTemperature()

	if c.Dcdc != nil {
		c.Dcdc.InductorCurrent, c.Dcdc.InductorCurrentFiltered = c.Daq.InductorCurrent()
		c.Dcdc.TempMosfets = c.Daq.MosfetTemperature()
		c.Dcdc.Control(nowMs)
	}
	if c.Pwm != nil {
		c.Pwm.Control(nowMs / 1000)
	}
}

// SlowTick runs the 10 Hz work and, every tenth call, the 1 Hz control
// tasks. Decisions are re-derived from current time and measurements, so
// a missed tick never invalidates state.
func (c *Controller) SlowTick(now int64, conn *bus.Connection) {
	c.Load.Control(c.DevStat.InternalTemp, now)

	c.subTicks++
	if c.subTicks < slowTickHz {
		return
	}
	c.subTicks = 0
	c.secondTasks(now, conn)
}

func (c *Controller) secondTasks(now int64, conn *bus.Connection) {
	c.secondTicks = now

	c.BatBus.ResolveCurrentLimits(c.BatPort, c.LoadPort)
	c.SolarBus.ResolveCurrentLimits(c.SolarPort)

	c.Charger.ChargeControl(&c.BatConf, now)
	c.Charger.DischargeControl(&c.BatConf)
	c.Charger.UpdateSoc(&c.BatConf)

	c.Load.StateMachine(&c.BatConf, now)
	c.Usb.StateMachine(c.Load.State)

	c.BatPort.EnergyBalance()
	c.SolarPort.EnergyBalance()
	c.LoadPort.EnergyBalance()

	var dcdcCurrent, mosfetTemp float32
	if c.Dcdc != nil {
		dcdcCurrent = c.Dcdc.InductorCurrent
		mosfetTemp = c.Dcdc.TempMosfets
		if c.DevStat.ErrorFlags.Has(devstat.ErrDcdcHsMosfetShort) {
			c.Dcdc.FuseDestruction()
		}
	}
	c.DevStat.UpdateEnergy(c.SolarPort, c.BatPort, c.LoadPort)
	c.DevStat.UpdateMinMax(c.BatPort, c.SolarPort, c.LoadPort,
		dcdcCurrent, mosfetTemp, c.Charger.BatTemperature)

	if c.saveRequested || now-c.lastSaved > autosaveInterval {
		if err := c.Save(); err != nil {
			println("Error: persist save:", err.Error())
		}
	}

	if c.hw.WatchdogFeed != nil {
		c.hw.WatchdogFeed()
	}

	c.errorFlagsNode = c.DevStat.ErrorFlags.Word()
	c.chargerStateNode = uint16(c.Charger.State)

	if conn != nil {
		c.publish(conn)
	}
}

// publish pushes the retained telemetry frame onto the bus.
func (c *Controller) publish(conn *bus.Connection) {
	pub := func(t bus.Topic, payload any) {
		conn.Publish(conn.NewMessage(t, payload, true))
	}

	pub(topicMeasBat, types.BusMeasurement{
		Voltage: c.BatBus.Voltage, Current: c.BatPort.Current, Power: c.BatPort.Power})
	pub(topicMeasSolar, types.BusMeasurement{
		Voltage: c.SolarBus.Voltage, Current: c.SolarPort.Current, Power: c.SolarPort.Power})
	pub(topicMeasLoad, types.BusMeasurement{
		Voltage: c.BatBus.Voltage, Current: c.LoadPort.Current, Power: c.LoadPort.Power})

	pub(topicCharger, types.ChargerStatus{
		State:          c.Charger.State.String(),
		Soc:            c.Charger.Soc,
		Soh:            c.Charger.Soh,
		BatTemperature: c.Charger.BatTemperature,
		Full:           c.Charger.Full,
		Empty:          c.Charger.Empty,
	})
	pub(topicLoadState, types.LoadStatus{
		State: c.Load.State.String(), Current: c.LoadPort.Current, Power: c.LoadPort.Power})
	if c.Dcdc != nil {
		pub(topicDcdcState, types.DcdcStatus{
			Duty: c.Dcdc.Duty(), Power: c.Dcdc.Power(), TempMosfets: c.Dcdc.TempMosfets})
	}
	pub(topicErrorFlags, types.ErrorState{Flags: c.DevStat.ErrorFlags.Word()})
}
