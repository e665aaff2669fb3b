// Package rfscfg loads mount configuration for razorfsd: image sizes for
// each backing region, durability mode, and secondary-path fallbacks, from
// a TOML config file merged with CLI flag overrides.
//
// Grounded on direktiv-vorteil's pkg/vcfg (defaults.go/merge.go/sanitize.go's
// three-pass defaults-then-merge-then-sanitize pipeline, generalized from a
// VM descriptor to a mount descriptor) and cmd/vorteil/main.go's
// initKernels / conf.go's loadVorteilConfig (TOML file under the user's
// home directory, merged with pflag-sourced overrides). Libraries:
// github.com/sisatech/toml, github.com/spf13/viper, github.com/spf13/pflag,
// github.com/mitchellh/go-homedir.
package rfscfg

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sisatech/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Durability names a commit flush mode. Load accepts and validates it, but
// nothing outside this package reads it: wal.Log.CommitTx flushes the WAL
// region before returning whichever mode is configured.
type Durability string

const (
	// DurabilityAsync is accepted by sanitize; commits still flush.
	DurabilityAsync Durability = "async"
	// DurabilitySync flushes the WAL region before CommitTx returns.
	DurabilitySync Durability = "sync"
)

// Config is razorfsd's fully resolved mount configuration, per spec §4.8
// and §6.3.
type Config struct {
	DataDir     string `toml:"data-dir" mapstructure:"data-dir"`
	FallbackDir string `toml:"fallback-dir" mapstructure:"fallback-dir"`

	DentryCapacity  uint64 `toml:"dentry-capacity" mapstructure:"dentry-capacity"`
	InodeCapacity   uint64 `toml:"inode-capacity" mapstructure:"inode-capacity"`
	StrtabBytes     uint64 `toml:"strtab-bytes" mapstructure:"strtab-bytes"`
	BlockCount      uint32 `toml:"block-count" mapstructure:"block-count"`
	BlockSize       int    `toml:"block-size" mapstructure:"block-size"`
	WALBytes        uint64 `toml:"wal-bytes" mapstructure:"wal-bytes"`
	ExtentTreeBytes uint64 `toml:"extent-tree-bytes" mapstructure:"extent-tree-bytes"`

	Durability Durability `toml:"durability" mapstructure:"durability"`

	AllowOther bool `toml:"allow-other" mapstructure:"allow-other"`
	Foreground bool `toml:"foreground" mapstructure:"foreground"`
}

// Defaults mirrors pkg/vcfg/defaults.go: a config built from nothing but
// zero values but meant to run, not a struct the caller must fully fill in.
func Defaults() *Config {
	return &Config{
		DentryCapacity:  1 << 16,
		InodeCapacity:   1 << 16,
		StrtabBytes:     16 << 20,
		BlockCount:      1 << 20,
		BlockSize:       4096,
		WALBytes:        8 << 20,
		ExtentTreeBytes: 4 << 20,
		Durability:      DurabilitySync,
	}
}

// defaultConfigPath returns ~/.razorfs/razorfs.toml, the ~/.vorteil/conf.toml
// pattern applied to this project's name.
func defaultConfigPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".razorfs", "razorfs.toml"), nil
}

// Load resolves the final Config: Defaults(), overlaid by the TOML file at
// path (or the default path if path is empty and a file exists there),
// overlaid by any flags the caller has set on flags.
//
// Mirrors cmd/vorteil/main.go's initKernels: start from built-in defaults,
// merge in the TOML file if present (absence is not an error), then let
// explicit CLI flags win, via viper's layered-merge idiom.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := mergeTOMLFile(cfg, path); err != nil {
		return nil, err
	}

	if flags != nil {
		if err := mergeFlags(cfg, flags); err != nil {
			return nil, err
		}
	}

	if err := sanitize(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func mergeTOMLFile(cfg *Config, path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// mergeFlags layers any pflag values the caller actually set on top of cfg,
// via viper so unset flags never clobber the TOML-or-default value beneath
// them (viper.BindPFlag only reports a value when the flag was Changed or
// carries a default viper was told about explicitly).
func mergeFlags(cfg *Config, flags *pflag.FlagSet) error {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	flags.VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		switch f.Name {
		case "data-dir":
			cfg.DataDir = v.GetString("data-dir")
		case "fallback-dir":
			cfg.FallbackDir = v.GetString("fallback-dir")
		case "allow-other":
			cfg.AllowOther = v.GetBool("allow-other")
		case "foreground":
			cfg.Foreground = v.GetBool("foreground")
		case "durability":
			cfg.Durability = Durability(v.GetString("durability"))
		}
	})
	return nil
}

// sanitize mirrors pkg/vcfg/sanitize.go: reject or normalize anything
// Merge/TOML-parsing could have left in an unusable state.
func sanitize(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("rfscfg: data-dir is required")
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return fmt.Errorf("rfscfg: block-size %d must be a positive power of two", cfg.BlockSize)
	}
	if cfg.BlockCount == 0 {
		return fmt.Errorf("rfscfg: block-count must be > 0")
	}
	if cfg.WALBytes < 1<<20 {
		return fmt.Errorf("rfscfg: wal-bytes %d below the 1 MiB minimum", cfg.WALBytes)
	}
	if cfg.ExtentTreeBytes == 0 {
		return fmt.Errorf("rfscfg: extent-tree-bytes must be > 0")
	}
	switch cfg.Durability {
	case DurabilityAsync, DurabilitySync:
	default:
		return fmt.Errorf("rfscfg: unknown durability mode %q", cfg.Durability)
	}
	return nil
}
