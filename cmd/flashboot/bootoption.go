package main

import (
	"fmt"
	"log/slog"

	"github.com/ardnew/flashboot/bootopt"
)

// BootOptionCmd prints or sets the boot option persisted in a file.
type BootOptionCmd struct {
	File string `arg:"" help:"Boot option file (.yaml or .toml)" type:"path"`
	Set  string `help:"Option to persist (application or bootloader)" placeholder:"OPTION"`
}

// Run is called by Kong when the boot-option command is executed.
func (b *BootOptionCmd) Run(logger *slog.Logger) error {
	store, err := bootopt.NewFileStore(b.File)
	if err != nil {
		return err
	}
	if b.Set != "" {
		o, err := bootopt.ParseOption(b.Set)
		if err != nil {
			return err
		}
		if err := store.SetBootOption(o); err != nil {
			return err
		}
		logger.Info("boot option written", "file", store.Path(), "option", o.String())
	}

	o, err := store.BootOption()
	if err != nil {
		return err
	}
	fmt.Println(o)
	return nil
}
