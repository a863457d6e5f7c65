package bootopt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/flashboot/pkg"
)

// Format is the encoding of a FileStore.
type Format uint8

// File formats.
const (
	FormatYAML Format = iota
	FormatTOML
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatTOML:
		return "toml"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return 0, fmt.Errorf("bootopt: unsupported file extension %q", filepath.Ext(path))
	}
}

// record is the persisted document.
type record struct {
	Boot string `yaml:"boot" toml:"boot"`
}

// FileStore persists the option in a YAML or TOML file, standing in for the
// non-volatile word a device keeps across resets.
type FileStore struct {
	path   string
	format Format
	mutex  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store at path. The format follows the extension.
func NewFileStore(path string) (*FileStore, error) {
	f, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, format: f}, nil
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// BootOption implements Store. A missing file reads as Application.
func (s *FileStore) BootOption() (Option, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Application, nil
	}
	if err != nil {
		return Application, fmt.Errorf("read boot option: %w", err)
	}

	var r record
	switch s.format {
	case FormatTOML:
		err = toml.Unmarshal(data, &r)
	default:
		err = yaml.Unmarshal(data, &r)
	}
	if err != nil {
		return Application, fmt.Errorf("decode boot option %s: %w", s.path, err)
	}
	if r.Boot == "" {
		return Application, nil
	}
	return ParseOption(r.Boot)
}

// SetBootOption implements Store. The file is replaced atomically.
func (s *FileStore) SetBootOption(o Option) error {
	if o != Application && o != Bootloader {
		return fmt.Errorf("%w: %d", pkg.ErrUnknownBootOption, uint8(o))
	}
	r := record{Boot: o.String()}

	var (
		data []byte
		err  error
	)
	switch s.format {
	case FormatTOML:
		data, err = toml.Marshal(r)
	default:
		data, err = yaml.Marshal(&r)
	}
	if err != nil {
		return fmt.Errorf("encode boot option: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write boot option: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write boot option: %w", err)
	}
	pkg.LogInfo(pkg.ComponentBoot, "boot option set",
		"option", o.String(),
		"path", s.path)
	return nil
}
