// Package options parses the backend option descriptor handed to Open.
//
// The descriptor is a comma separated list whose first element is the
// backing path:
//
//	path[,nocache][,writethru][,ro][,sectorsize=L[/P]][,discard[=maxsect:maxseg:align]][,nodiscard]
//
// A path of the form mem:SIZE selects an in-memory store of SIZE bytes.
package options

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/go-blockif/internal/constants"
)

// MemPrefix marks an in-memory backing path
const MemPrefix = "mem:"

// ErrEmpty is returned for an empty descriptor
var ErrEmpty = errors.New("empty option string")

// Config is a parsed option descriptor. Zero sizes mean "probe the store".
type Config struct {
	Path string

	// MemSize is set when Path names an in-memory store
	MemSize int64

	NoCache   bool
	WriteThru bool
	ReadOnly  bool

	SectorSize     int
	PhysSectorSize int

	Discard bool
	// Discard limits in logical sectors; zero selects the default
	MaxDiscardSectors  int
	MaxDiscardSegments int
	DiscardAlignment   int
}

// Memory reports whether the descriptor selects an in-memory store
func (c *Config) Memory() bool {
	return c.MemSize > 0
}

// Parse parses optstr
func Parse(optstr string) (*Config, error) {
	fields := strings.Split(optstr, ",")
	path := strings.TrimSpace(fields[0])
	if path == "" {
		return nil, ErrEmpty
	}

	cfg := &Config{Path: path}
	if strings.HasPrefix(path, MemPrefix) {
		size, err := humanize.ParseBytes(strings.TrimPrefix(path, MemPrefix))
		if err != nil {
			return nil, fmt.Errorf("memory store size %q: %w", path, err)
		}
		if size == 0 {
			return nil, fmt.Errorf("memory store size %q: must be positive", path)
		}
		cfg.MemSize = int64(size)
	}

	for _, field := range fields[1:] {
		key, value, hasValue := strings.Cut(strings.TrimSpace(field), "=")
		switch key {
		case "":
			// tolerate "path,,ro"
		case "nocache":
			cfg.NoCache = true
		case "writethru":
			cfg.WriteThru = true
		case "ro":
			cfg.ReadOnly = true
		case "sectorsize":
			if !hasValue {
				return nil, fmt.Errorf("sectorsize requires a value")
			}
			if err := cfg.parseSectorSize(value); err != nil {
				return nil, err
			}
		case "discard":
			cfg.Discard = true
			if hasValue {
				if err := cfg.parseDiscard(value); err != nil {
					return nil, err
				}
			}
		case "nodiscard":
			cfg.Discard = false
		default:
			return nil, fmt.Errorf("unknown option %q", field)
		}
	}
	return cfg, nil
}

func (c *Config) parseSectorSize(value string) error {
	logical, physical, hasPhys := strings.Cut(value, "/")

	l, err := parseSector(logical)
	if err != nil {
		return err
	}
	p := l
	if hasPhys {
		if p, err = parseSector(physical); err != nil {
			return err
		}
		if p < l {
			return fmt.Errorf("physical sector size %d smaller than logical %d", p, l)
		}
	}
	c.SectorSize = l
	c.PhysSectorSize = p
	return nil
}

func parseSector(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("sector size %q: %w", s, err)
	}
	if v < constants.MinSectorSize || v > constants.MaxSectorSize || v&(v-1) != 0 {
		return 0, fmt.Errorf("sector size %d must be a power of two in [%d, %d]",
			v, constants.MinSectorSize, constants.MaxSectorSize)
	}
	return v, nil
}

func (c *Config) parseDiscard(value string) error {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return fmt.Errorf("discard=%s: want maxsect:maxseg:align", value)
	}
	var vals [3]int
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v <= 0 {
			return fmt.Errorf("discard=%s: %q is not a positive integer", value, part)
		}
		vals[i] = v
	}
	c.MaxDiscardSectors, c.MaxDiscardSegments, c.DiscardAlignment = vals[0], vals[1], vals[2]
	return nil
}
