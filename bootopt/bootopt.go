// Package bootopt persists the boot option that selects, on the next reset,
// whether the device enters the bootloader or branches to the application.
package bootopt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ardnew/flashboot/pkg"
)

// Option selects what runs after the next reset.
type Option uint8

// Boot options.
const (
	Application Option = iota // Branch to the application image
	Bootloader                // Stay in the bootloader
)

// String returns the option name.
func (o Option) String() string {
	switch o {
	case Application:
		return "application"
	case Bootloader:
		return "bootloader"
	default:
		return fmt.Sprintf("option(%d)", uint8(o))
	}
}

// ParseOption maps a name produced by String back to its option.
func ParseOption(s string) (Option, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "application", "app":
		return Application, nil
	case "bootloader", "boot":
		return Bootloader, nil
	default:
		return Application, fmt.Errorf("%w: %q", pkg.ErrUnknownBootOption, s)
	}
}

// Store reads and writes the persisted boot option.
type Store interface {
	// BootOption returns the persisted option, Application if none was set.
	BootOption() (Option, error)

	// SetBootOption persists o for the next reset.
	SetBootOption(o Option) error
}

// MemoryStore keeps the option in memory. It survives simulated resets but
// not the process.
type MemoryStore struct {
	mutex  sync.Mutex
	option Option
	writes int
}

// NewMemoryStore creates a store holding o.
func NewMemoryStore(o Option) *MemoryStore {
	return &MemoryStore{option: o}
}

// BootOption implements Store.
func (m *MemoryStore) BootOption() (Option, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.option, nil
}

// SetBootOption implements Store.
func (m *MemoryStore) SetBootOption(o Option) error {
	if o != Application && o != Bootloader {
		return fmt.Errorf("%w: %d", pkg.ErrUnknownBootOption, uint8(o))
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.option = o
	m.writes++
	pkg.LogInfo(pkg.ComponentBoot, "boot option set", "option", o.String())
	return nil
}

// Writes returns the number of successful SetBootOption calls.
func (m *MemoryStore) Writes() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.writes
}
