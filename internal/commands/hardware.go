package commands

import (
	"context"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
)

// Command names on the wire
const (
	CmdOpenM1Cover             = "openM1Cover"
	CmdCloseM1Cover            = "closeM1Cover"
	CmdOpenM1CellVents         = "openM1CellVents"
	CmdCloseM1CellVents        = "closeM1CellVents"
	CmdOpenMasterAirSupply     = "openMasterAirSupply"
	CmdCloseMasterAirSupply    = "closeMasterAirSupply"
	CmdOpenInstrumentAirValve  = "openInstrumentAirValve"
	CmdCloseInstrumentAirValve = "closeInstrumentAirValve"
	CmdM1OpenAirValve          = "m1OpenAirValve"
	CmdM1CloseAirValve         = "m1CloseAirValve"
	CmdM2OpenAirValve          = "m2OpenAirValve"
	CmdM2CloseAirValve         = "m2CloseAirValve"
	CmdM1SetPressure           = "m1SetPressure"
	CmdM2SetPressure           = "m2SetPressure"
	CmdReset                   = "reset"
)

// RegisterHardwareCommands registers every pneumatics command against the model
func RegisterHardwareCommands(registry *CommandRegistry, model *state.Model) {
	simple := []struct {
		name        string
		description string
		op          func() ([]state.Event, error)
	}{
		{CmdOpenM1Cover, "Open the M1 mirror covers", model.OpenM1Cover},
		{CmdCloseM1Cover, "Close the M1 mirror covers", model.CloseM1Cover},
		{CmdOpenM1CellVents, "Open the M1 cell vents", model.OpenM1Vents},
		{CmdCloseM1CellVents, "Close the M1 cell vents", model.CloseM1Vents},
		{CmdOpenMasterAirSupply, "Open the main air supply valve", model.OpenMainValve},
		{CmdCloseMasterAirSupply, "Close the main air supply valve", model.CloseMainValve},
		{CmdOpenInstrumentAirValve, "Open the instrument air valve", model.OpenInstrumentValve},
		{CmdCloseInstrumentAirValve, "Close the instrument air valve", model.CloseInstrumentValve},
		{CmdM1OpenAirValve, "Open the M1 air valve", model.OpenM1Valve},
		{CmdM1CloseAirValve, "Close the M1 air valve", model.CloseM1Valve},
		{CmdM2OpenAirValve, "Open the M2 air valve", model.OpenM2Valve},
		{CmdM2CloseAirValve, "Close the M2 air valve", model.CloseM2Valve},
	}
	for _, c := range simple {
		op := c.op
		registry.Register(NewFuncHandler(c.name, c.description, func(ctx context.Context, params Params) ([]state.Event, error) {
			return op()
		}))
	}

	registry.Register(newPressureHandler(CmdM1SetPressure, "Set the M1 air pressure target", model.SetM1Pressure))
	registry.Register(newPressureHandler(CmdM2SetPressure, "Set the M2 air pressure target", model.SetM2Pressure))

	registry.Register(NewFuncHandler(CmdReset, "Restore the default hardware state",
		func(ctx context.Context, params Params) ([]state.Event, error) {
			return model.Reset(), nil
		}))
}

func newPressureHandler(name, description string, set func(float64) ([]state.Event, error)) *FuncHandler {
	return NewFuncHandler(name, description, func(ctx context.Context, params Params) ([]state.Event, error) {
		pressure, err := params.Float("pressure")
		if err != nil {
			return nil, err
		}
		return set(pressure)
	})
}
