// Package config loads the govfio configuration file and applies its
// logging settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bobuhiro11/govfio/iommufd"
	"github.com/bobuhiro11/govfio/vfio"
	"github.com/sirupsen/logrus"
)

// DefaultPath is where the binary looks for a configuration file when none
// is given.
const DefaultPath = "/etc/govfio/config.toml"

var (
	errUnknownKeys = errors.New("unknown configuration keys")
	errLogFormat   = errors.New("log format must be text or json")
	errPageSize    = errors.New("page size must be a power of two of at least 4K")
	errMemslots    = errors.New("max-memslots must be positive")
	errFD          = errors.New("iommufd fd must be -1 or a descriptor")
)

// IOMMUFD configures the iommufd backend.
type IOMMUFD struct {
	Path string `toml:"path"`
	// FD is a descriptor opened by a management layer. The backend then
	// borrows it and never closes it. -1 means open Path.
	FD        int  `toml:"fd"`
	HugePages bool `toml:"hugepages"`
}

// Owned reports whether the backend opens its own descriptor.
func (c IOMMUFD) Owned() bool {
	return c.FD < 0
}

// VFIO holds the device node locations.
type VFIO struct {
	DevicesDir    string `toml:"devices-dir"`
	SysfsDir      string `toml:"sysfs-dir"`
	ContainerPath string `toml:"container-path"`
}

type Memory struct {
	// PageSize is num[kKmMgG]; empty uses the host page size.
	PageSize    string `toml:"page-size"`
	MaxMemslots uint   `toml:"max-memslots"`
}

// PageSizeBytes returns the configured page size, 0 if unset.
func (m Memory) PageSizeBytes() (uint64, error) {
	if m.PageSize == "" {
		return 0, nil
	}

	n, err := ParseSize(m.PageSize, "")
	if err != nil {
		return 0, err
	}

	if n < 4096 || bits.OnesCount(uint(n)) != 1 {
		return 0, fmt.Errorf("%q: %w", m.PageSize, errPageSize)
	}

	return uint64(n), nil
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures l.
func (c Log) Apply(l *logrus.Logger) error {
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}

	switch c.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("%q: %w", c.Format, errLogFormat)
	}

	l.SetLevel(lvl)

	return nil
}

type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Config is the whole configuration file.
type Config struct {
	IOMMUFD IOMMUFD `toml:"iommufd"`
	VFIO    VFIO    `toml:"vfio"`
	Memory  Memory  `toml:"memory"`
	Log     Log     `toml:"log"`
	Metrics Metrics `toml:"metrics"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		IOMMUFD: IOMMUFD{
			Path:      iommufd.DefaultPath,
			FD:        -1,
			HugePages: true,
		},
		VFIO: VFIO{
			DevicesDir:    vfio.DefaultDevicesDir,
			SysfsDir:      "/sys/bus/pci/devices",
			ContainerPath: vfio.DefaultContainerPath,
		},
		Memory: Memory{
			MaxMemslots: 512,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Decode reads a configuration from r on top of the defaults.
func Decode(r io.Reader) (Config, error) {
	c := Default()

	md, err := toml.NewDecoder(r).Decode(&c)
	if err != nil {
		return c, err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		sort.Strings(keys)

		return c, fmt.Errorf("%w: %s", errUnknownKeys, strings.Join(keys, ", "))
	}

	return c, c.Validate()
}

// Load reads the file at path. A missing file at DefaultPath yields the
// defaults; any other missing file is an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return Default(), nil
		}

		return Config{}, err
	}
	defer f.Close()

	c, err := Decode(f)
	if err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}

	return c, nil
}

// Validate checks values the decoder cannot.
func (c Config) Validate() error {
	if c.IOMMUFD.FD < -1 {
		return fmt.Errorf("%d: %w", c.IOMMUFD.FD, errFD)
	}

	if c.IOMMUFD.Owned() && c.IOMMUFD.Path == "" {
		return errors.New("iommufd path is empty")
	}

	if _, err := c.Memory.PageSizeBytes(); err != nil {
		return err
	}

	if c.Memory.MaxMemslots == 0 {
		return errMemslots
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%q: %w", c.Log.Format, errLogFormat)
	}

	return nil
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
