// Package sim provides a simulated channel-based host controller.
//
// Controller implements hal.Controller and hal.RootHub on top of an
// in-memory bus. Functions attached to the bus (Device, ScriptedDevice,
// Hub and the mass-storage model in the msd subpackage) answer the
// transactions the channels issue; every transaction is recorded so tests
// can assert on the exact packet sequence, data PIDs and split phases.
//
// The bus only moves when told to. Tests call Step and the engine's
// interrupt handler alternately (Drain does both) and AdvanceFrame to pace
// split transactions. Run drives the same loop in real time:
//
//	ctrl := sim.New(sim.Options{Channels: 8})
//	eng, _ := hcd.New(ctrl, hcd.Config{})
//	go ctrl.Run(ctx, eng.HandleInterrupt)
//	go eng.Run(ctx)
package sim
