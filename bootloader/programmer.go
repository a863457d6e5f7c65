package bootloader

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/flashboot/flash"
	"github.com/ardnew/flashboot/pkg"
	"github.com/ardnew/flashboot/transport"
)

// Exchanger runs one request/response exchange with the device. The request
// payload is only valid during the call.
type Exchanger interface {
	Exchange(req transport.Request) (transport.Response, error)
}

// Programming phases reported through Progress.
const (
	PhaseProgramming = "programming"
	PhaseVerifying   = "verifying"
	PhaseComplete    = "complete"
)

// Progress describes how far Program has come.
type Progress struct {
	Phase        string
	Sector       int // Sectors finished so far
	TotalSectors int
	BytesWritten int
	Percentage   float64
	Elapsed      time.Duration
}

// ProgressCallback receives progress reports. It runs on the programming
// goroutine and should return quickly.
type ProgressCallback func(Progress)

// ProgrammerConfig holds the host-side programming options.
type ProgrammerConfig struct {
	// Progress, when set, is called after each sector.
	Progress ProgressCallback

	// ChunkSize is the number of image bytes per SectorLoad request.
	ChunkSize int

	// Retries is the number of times a Busy reply is retried.
	Retries int

	// Verify reads back every sector after it is committed.
	Verify bool
}

func defaultProgrammerConfig() ProgrammerConfig {
	return ProgrammerConfig{
		ChunkSize: 512,
		Retries:   3,
		Verify:    true,
	}
}

// ProgrammerOption configures a Programmer.
type ProgrammerOption func(*ProgrammerConfig)

// WithProgress sets the progress callback.
func WithProgress(cb ProgressCallback) ProgrammerOption {
	return func(c *ProgrammerConfig) {
		c.Progress = cb
	}
}

// WithChunkSize sets the SectorLoad chunk size. Values that do not fit a
// request frame are clamped.
func WithChunkSize(n int) ProgrammerOption {
	return func(c *ProgrammerConfig) {
		if n > 0 {
			c.ChunkSize = min(n, transport.MaxRequestPayloadSize-sectorLoadHeaderSize)
		}
	}
}

// WithRetries sets the number of Busy retries.
func WithRetries(n int) ProgrammerOption {
	return func(c *ProgrammerConfig) {
		c.Retries = max(n, 0)
	}
}

// WithVerify enables or disables read-back verification.
func WithVerify(verify bool) ProgrammerOption {
	return func(c *ProgrammerConfig) {
		c.Verify = verify
	}
}

// FlashStatus is the reply to a FlashStatus command.
type FlashStatus struct {
	Status   byte
	Status1  byte
	Unlocked bool
}

// Programmer is the host side of the bootloader protocol.
type Programmer struct {
	dev   Exchanger
	cfg   ProgrammerConfig
	token uint8
}

// NewProgrammer creates a programmer talking to dev.
func NewProgrammer(dev Exchanger, opts ...ProgrammerOption) *Programmer {
	cfg := defaultProgrammerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Programmer{dev: dev, cfg: cfg}
}

// command sends one request and returns the response payload. Busy replies
// are retried.
func (p *Programmer) command(ctx context.Context, cmd transport.Command, payload []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.token++
		r, err := p.dev.Exchange(transport.Request{Token: p.token, Command: cmd, Payload: payload})
		if err != nil {
			return nil, err
		}
		if r.Command != cmd {
			return nil, fmt.Errorf("%w: response to 0x%04X, want 0x%04X",
				pkg.ErrInvalidRequest, uint16(r.Command), uint16(cmd))
		}
		rc := ReturnCode(r.ReturnCode)
		if rc == ReturnBusy && attempt < p.cfg.Retries {
			pkg.LogDebug(pkg.ComponentBoot, "device busy, retrying",
				"command", uint16(cmd),
				"attempt", attempt+1)
			continue
		}
		if rc != ReturnOK {
			return nil, &CommandError{Command: cmd, Code: rc}
		}
		return r.Payload, nil
	}
}

// Ping echoes data through the device.
func (p *Programmer) Ping(ctx context.Context, data []byte) ([]byte, error) {
	return p.command(ctx, CommandEcho, data)
}

// WriteSector stages data and commits it to sector.
func (p *Programmer) WriteSector(ctx context.Context, sector uint32, data []byte) error {
	if len(data) > flash.SectorSize {
		return fmt.Errorf("%w: %d bytes exceeds sector size", pkg.ErrOutOfRange, len(data))
	}

	buf := make([]byte, sectorLoadHeaderSize+p.cfg.ChunkSize)
	for offset := 0; offset < len(data); offset += p.cfg.ChunkSize {
		end := min(offset+p.cfg.ChunkSize, len(data))
		binary.LittleEndian.PutUint16(buf, uint16(offset))
		n := copy(buf[sectorLoadHeaderSize:], data[offset:end])
		if _, err := p.command(ctx, CommandSectorLoad, buf[:sectorLoadHeaderSize+n]); err != nil {
			return fmt.Errorf("load offset %d: %w", offset, err)
		}
	}

	var commit [sectorCommitSize]byte
	binary.LittleEndian.PutUint32(commit[:], sector)
	binary.LittleEndian.PutUint16(commit[4:], uint16(len(data)))
	if _, err := p.command(ctx, CommandSectorCommit, commit[:]); err != nil {
		return fmt.Errorf("commit sector %d: %w", sector, err)
	}
	return nil
}

// ReadSector reads length bytes of sector starting at offset.
func (p *Programmer) ReadSector(ctx context.Context, sector uint32, offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > flash.SectorSize {
		return nil, fmt.Errorf("%w: window %d+%d", pkg.ErrOutOfRange, offset, length)
	}

	out := make([]byte, 0, length)
	var req [sectorReadSize]byte
	for len(out) < length {
		n := min(length-len(out), transport.MaxPayloadSize)
		binary.LittleEndian.PutUint32(req[:], sector)
		binary.LittleEndian.PutUint16(req[4:], uint16(offset+len(out)))
		binary.LittleEndian.PutUint16(req[6:], uint16(n))
		b, err := p.command(ctx, CommandSectorRead, req[:])
		if err != nil {
			return nil, fmt.Errorf("read sector %d: %w", sector, err)
		}
		if len(b) != n {
			return nil, fmt.Errorf("read sector %d: %w: %d bytes, want %d",
				sector, pkg.ErrFrameTooShort, len(b), n)
		}
		out = append(out, b...)
	}
	return out, nil
}

// Status reads the flash status registers.
func (p *Programmer) Status(ctx context.Context) (FlashStatus, error) {
	b, err := p.command(ctx, CommandFlashStatus, nil)
	if err != nil {
		return FlashStatus{}, err
	}
	if len(b) < 3 {
		return FlashStatus{}, fmt.Errorf("flash status: %w", pkg.ErrFrameTooShort)
	}
	return FlashStatus{Status: b[0], Status1: b[1], Unlocked: b[2] != 0}, nil
}

// BootApplication selects the application for the next reset. The device
// restarts once the reply is collected.
func (p *Programmer) BootApplication(ctx context.Context) error {
	_, err := p.command(ctx, CommandBootApplication, nil)
	return err
}

// Program writes image to consecutive sectors starting at first, verifying
// each sector when enabled.
func (p *Programmer) Program(ctx context.Context, image []byte, first uint32) error {
	if len(image) == 0 {
		return errors.New("empty image")
	}
	start := time.Now()
	total := (len(image) + flash.SectorSize - 1) / flash.SectorSize

	written := 0
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}
		sector := first + uint32(i)
		chunk := image[i*flash.SectorSize : min((i+1)*flash.SectorSize, len(image))]

		if err := p.WriteSector(ctx, sector, chunk); err != nil {
			return err
		}
		if p.cfg.Verify {
			p.report(Progress{
				Phase:        PhaseVerifying,
				Sector:       i,
				TotalSectors: total,
				BytesWritten: written,
				Percentage:   100 * float64(i) / float64(total),
				Elapsed:      time.Since(start),
			})
			if err := p.verify(ctx, sector, chunk); err != nil {
				return err
			}
		}
		written += len(chunk)
		p.report(Progress{
			Phase:        PhaseProgramming,
			Sector:       i + 1,
			TotalSectors: total,
			BytesWritten: written,
			Percentage:   100 * float64(i+1) / float64(total),
			Elapsed:      time.Since(start),
		})
	}

	p.report(Progress{
		Phase:        PhaseComplete,
		Sector:       total,
		TotalSectors: total,
		BytesWritten: written,
		Percentage:   100,
		Elapsed:      time.Since(start),
	})
	pkg.LogInfo(pkg.ComponentBoot, "programming complete",
		"sectors", total,
		"bytes", written,
		"elapsed", time.Since(start).String())
	return nil
}

func (p *Programmer) verify(ctx context.Context, sector uint32, want []byte) error {
	got, err := p.ReadSector(ctx, sector, 0, len(want))
	if err != nil {
		return err
	}
	for i := range want {
		if got[i] != want[i] {
			return &VerifyError{Sector: sector, Offset: i, Want: want[i], Got: got[i]}
		}
	}
	return nil
}

func (p *Programmer) report(pr Progress) {
	if p.cfg.Progress != nil {
		p.cfg.Progress(pr)
	}
}
