package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardnew/flashboot/bootloader"
	"github.com/ardnew/flashboot/bootopt"
	"github.com/ardnew/flashboot/flash"
	"github.com/ardnew/flashboot/flash/sst25"
	"github.com/ardnew/flashboot/transport"
	"github.com/ardnew/flashboot/transport/usbsim"
)

// RunCmd programs an image through a fully simulated bootloader.
type RunCmd struct {
	Image       string `arg:"" help:"Firmware image to program" type:"existingfile"`
	FirstSector uint32 `help:"First sector to program" default:"0" env:"FLASHBOOT_FIRST_SECTOR"`
	Speed       string `help:"Simulated bus speed" enum:"full,high" default:"full" env:"FLASHBOOT_SPEED"`
	ChunkSize   int    `help:"Bytes per SectorLoad request" default:"512" env:"FLASHBOOT_CHUNK_SIZE"`
	EraseBusy   int    `help:"Status reads a sector erase stays busy" default:"8" env:"FLASHBOOT_ERASE_BUSY"`
	ProgramBusy int    `help:"Status reads an AAI cycle stays busy" default:"1" env:"FLASHBOOT_PROGRAM_BUSY"`
	MaxPolls    int    `help:"Busy reads before a cycle fails; 0 waits forever" default:"0" env:"FLASHBOOT_MAX_POLLS"`
	NoVerify    bool   `help:"Skip read-back verification" env:"FLASHBOOT_NO_VERIFY"`
	Boot        bool   `help:"Select the application once programmed" env:"FLASHBOOT_BOOT"`
	BootFile    string `help:"Boot option file (.yaml or .toml); kept in memory when empty" env:"FLASHBOOT_BOOT_FILE" type:"path"`
}

// Run is called by Kong when the run command is executed.
func (r *RunCmd) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	image, err := os.ReadFile(r.Image)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	sectors := (len(image) + flash.SectorSize - 1) / flash.SectorSize
	if len(image) == 0 || uint64(r.FirstSector)+uint64(sectors) > flash.DefaultSectorCount {
		return fmt.Errorf("image of %d bytes does not fit from sector %d", len(image), r.FirstSector)
	}

	cfg := bootloader.SimConfig{
		Flash: sst25.Config{EraseBusy: r.EraseBusy, ProgramBusy: r.ProgramBusy},
		USB:   usbsim.Config{Speed: transport.SpeedFull},
		Loader: bootloader.Config{
			Flash:     flash.Config{MaxPolls: r.MaxPolls},
			Transport: transport.Config{DFUInterface: transport.DefaultDFUInterface},
		},
	}
	if r.Speed == "high" {
		cfg.USB.Speed = transport.SpeedHigh
	}
	if r.BootFile != "" {
		store, err := bootopt.NewFileStore(r.BootFile)
		if err != nil {
			return err
		}
		cfg.Store = store
	}

	sim, err := bootloader.NewSimulation(cfg)
	if err != nil {
		return err
	}
	if err := sim.Host.Enumerate(); err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}
	logger.Info("enumerated", "packetSize", sim.Loader.Transport().PacketSize())

	p := sim.Programmer(
		bootloader.WithChunkSize(r.ChunkSize),
		bootloader.WithVerify(!r.NoVerify),
		bootloader.WithProgress(func(pr bootloader.Progress) {
			logger.Info("progress",
				"phase", pr.Phase,
				"sector", pr.Sector,
				"of", pr.TotalSectors,
				"percent", fmt.Sprintf("%.1f", pr.Percentage))
		}))
	if err := p.Program(ctx, image, r.FirstSector); err != nil {
		return err
	}

	st, err := p.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("programmed %d bytes into sectors %d-%d (status 0x%02X, unlocked %t)\n",
		len(image), r.FirstSector, r.FirstSector+uint32(sectors)-1, st.Status, st.Unlocked)

	if r.Boot {
		if err := p.BootApplication(ctx); err != nil {
			return err
		}
		sim.Host.Tick()
		opt, err := sim.Store.BootOption()
		if err != nil {
			return err
		}
		fmt.Printf("boot option %s, resets %d\n", opt, sim.Loader.Resets())
	}
	return nil
}
