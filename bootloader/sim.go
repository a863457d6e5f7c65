package bootloader

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/ardnew/flashboot/bootopt"
	"github.com/ardnew/flashboot/flash"
	"github.com/ardnew/flashboot/flash/sst25"
	"github.com/ardnew/flashboot/transport/usbsim"
)

// SimConfig configures a fully simulated bootloader.
type SimConfig struct {
	Flash  sst25.Config
	USB    usbsim.Config
	Loader Config

	// Store persists the boot option. Nil selects a MemoryStore holding
	// Bootloader.
	Store bootopt.Store

	// MaxTicks bounds every host wait. Zero selects usbsim.DefaultMaxTicks.
	MaxTicks int
}

// Simulation is a loader wired to a simulated flash part and device layer,
// with a host to drive it.
type Simulation struct {
	Flash  *sst25.Device
	USB    *usbsim.Device
	Host   *usbsim.Host
	Loader *Loader
	Store  bootopt.Store

	ChipEnable   *gpiotest.Pin
	WriteProtect *gpiotest.Pin
	Hold         *gpiotest.Pin
}

// NewSimulation builds and initializes a simulated bootloader. The write
// protect line is shared between the loader and the part.
func NewSimulation(cfg SimConfig) (*Simulation, error) {
	s := &Simulation{
		ChipEnable:   &gpiotest.Pin{N: "CE#", L: gpio.High},
		WriteProtect: &gpiotest.Pin{N: "WP#", L: gpio.Low},
		Hold:         &gpiotest.Pin{N: "HOLD#", L: gpio.High},
		Store:        cfg.Store,
	}
	if s.Store == nil {
		s.Store = bootopt.NewMemoryStore(bootopt.Bootloader)
	}

	fcfg := cfg.Flash
	fcfg.WriteProtect = s.WriteProtect
	s.Flash = sst25.New(fcfg)
	s.USB = usbsim.New(cfg.USB)

	lines := flash.Lines{
		ChipEnable:   s.ChipEnable,
		WriteProtect: s.WriteProtect,
		Hold:         s.Hold,
	}
	s.Loader = New(s.Flash, lines, s.USB, s.Store, cfg.Loader)
	if err := s.Loader.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	s.Host = usbsim.NewHost(s.USB, s.Loader.Tasks)
	if cfg.MaxTicks > 0 {
		s.Host.MaxTicks = cfg.MaxTicks
	}
	return s, nil
}

// Programmer returns a host-side programmer for the simulation.
func (s *Simulation) Programmer(opts ...ProgrammerOption) *Programmer {
	return NewProgrammer(s.Host, opts...)
}
