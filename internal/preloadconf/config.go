// Package preloadconf loads and dumps preloadd's declarative YAML
// configuration, the Go-native replacement for the original daemon's
// GKeyFile + macro-generated confkey table.
package preloadconf

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/snapcore/snapd/gadget/quantity"
	"gopkg.in/yaml.v2"
)

// SortStrategy selects how prefetch requests are ordered before being
// issued, mirroring the original SORT_NONE/SORT_PATH/SORT_INODE/SORT_BLOCK
// enum.
type SortStrategy int

const (
	SortNone SortStrategy = iota
	SortPath
	SortInode
	SortBlock
)

func (s SortStrategy) String() string {
	switch s {
	case SortNone:
		return "none"
	case SortPath:
		return "path"
	case SortInode:
		return "inode"
	case SortBlock:
		return "block"
	default:
		return fmt.Sprintf("invalid(%d)", int(s))
	}
}

// UnmarshalYAML accepts either the symbolic name or the original numeric
// value, so existing style config files written against the C enum still
// parse.
func (s *SortStrategy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		switch v {
		case "none":
			*s = SortNone
		case "path":
			*s = SortPath
		case "inode":
			*s = SortInode
		case "block":
			*s = SortBlock
		default:
			return fmt.Errorf("invalid sortstrategy %q", v)
		}
	case int:
		*s = SortStrategy(v)
	default:
		return fmt.Errorf("invalid sortstrategy value %v", raw)
	}
	return nil
}

// Config is preloadd's full configuration, grouped exactly as the
// original model/system conf groups were.
type Config struct {
	Model struct {
		Cycle          int           `yaml:"cycle"` // seconds
		UseCorrelation bool          `yaml:"usecorrelation"`
		MinSize        quantity.Size `yaml:"minsize"`
		MemTotal       int           `yaml:"memtotal"`
		MemFree        int           `yaml:"memfree"`
		MemCached      int           `yaml:"memcached"`
	} `yaml:"model"`

	System struct {
		DoScan       bool         `yaml:"doscan"`
		DoPredict    bool         `yaml:"dopredict"`
		Autosave     int          `yaml:"autosave"` // seconds
		MapPrefix    []string     `yaml:"mapprefix"`
		ExePrefix    []string     `yaml:"exeprefix"`
		MaxProcs     int          `yaml:"maxprocs"`
		SortStrategy SortStrategy `yaml:"sortstrategy"`
	} `yaml:"system"`
}

// Default returns the built-in configuration applied before any config
// file is overlaid onto it.
func Default() *Config {
	c := &Config{}
	c.Model.Cycle = 20
	c.Model.UseCorrelation = true
	c.Model.MinSize = quantity.Size(2000000)
	c.Model.MemTotal = -10
	c.Model.MemFree = 50
	c.Model.MemCached = 0

	c.System.DoScan = true
	c.System.DoPredict = true
	c.System.Autosave = 300
	c.System.MapPrefix = []string{"!/usr/share/", "!/usr/src/", "!/usr/include/"}
	c.System.ExePrefix = nil
	c.System.MaxProcs = 5
	c.System.SortStrategy = SortBlock
	return c
}

// Load reads conffile and overlays it onto the defaults. When conffile is
// empty, the defaults are returned unchanged. When fail is true a read or
// parse error is returned to the caller as fatal; when false, the caller
// (a reload in response to SIGHUP) should log the error and keep running
// with whatever configuration it already has.
func Load(conffile string, fail bool) (*Config, error) {
	c := Default()
	if conffile == "" {
		return c, nil
	}

	f, err := os.Open(conffile)
	if err != nil {
		if fail {
			return nil, fmt.Errorf("loading conf from %s: %w", conffile, err)
		}
		return nil, fmt.Errorf("failed loading conf from %s, keeping previous conf: %w", conffile, err)
	}
	defer f.Close()

	return c, decode(f, c)
}

func decode(r io.Reader, c *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// DumpLog renders the configuration in "[group]\nkey = value" form to w,
// the analogue of preload_conf_dump_log's stderr dump.
func (c *Config) DumpLog(w io.Writer) {
	fmt.Fprintf(w, "#\n# loaded configuration at %s", time.Now().Format(time.ANSIC)+"\n")
	fmt.Fprintf(w, "[model]\n")
	fmt.Fprintf(w, "cycle = %d\n", c.Model.Cycle)
	fmt.Fprintf(w, "usecorrelation = %t\n", c.Model.UseCorrelation)
	fmt.Fprintf(w, "minsize = %d\n", int64(c.Model.MinSize))
	fmt.Fprintf(w, "memtotal = %d\n", c.Model.MemTotal)
	fmt.Fprintf(w, "memfree = %d\n", c.Model.MemFree)
	fmt.Fprintf(w, "memcached = %d\n", c.Model.MemCached)
	fmt.Fprintf(w, "[system]\n")
	fmt.Fprintf(w, "doscan = %t\n", c.System.DoScan)
	fmt.Fprintf(w, "dopredict = %t\n", c.System.DoPredict)
	fmt.Fprintf(w, "autosave = %d\n", c.System.Autosave)
	fmt.Fprintf(w, "mapprefix = %v\n", c.System.MapPrefix)
	fmt.Fprintf(w, "exeprefix = %v\n", c.System.ExePrefix)
	fmt.Fprintf(w, "maxprocs = %d\n", c.System.MaxProcs)
	fmt.Fprintf(w, "sortstrategy = %s\n", c.System.SortStrategy)
	fmt.Fprintf(w, "# loaded configuration - end\n#\n")
}
