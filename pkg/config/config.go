package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v2"
)

const (
	configDir     string = "reclaim"
	configDirHome string = ".reclaim"
	configFile    string = "config.yml"
)

// Default values used when the config file leaves a key unset.
const (
	DefaultSymbol      = "malloc_trim"
	DefaultLocator     = "gdb"
	DefaultGDBPath     = "gdb"
	DefaultMarker      = "reclaim"
	DefaultMaxLabelLen = 255
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Symbol is the exported function invoked inside the target.
	Symbol string `yaml:"symbol"`
	// SymbolArg is passed as the first integer argument of Symbol. For
	// malloc_trim it is the amount of padding left at the top of the heap.
	SymbolArg uint64 `yaml:"symbol-arg"`

	// Locator selects the symbol resolution backend, "gdb" or "elf".
	Locator string `yaml:"locator"`
	// GDBPath is the gdb executable used by the gdb locator.
	GDBPath string `yaml:"gdb-path"`
	// GDBArgs are extra arguments passed to gdb before the batch commands,
	// split with shell quoting rules.
	GDBArgs string `yaml:"gdb-args"`

	// Marker hides processes whose command line contains it from
	// `reclaim list`, so that other instances of reclaim are not listed.
	// A pid named on the command line is operated on regardless.
	Marker string `yaml:"marker"`
	// MaxLabelLen bounds the command line label kept for each process.
	MaxLabelLen int `yaml:"max-label-len"`
}

// ApplyDefaults fills every unset key with its default value.
func (c *Config) ApplyDefaults() {
	if c.Symbol == "" {
		c.Symbol = DefaultSymbol
	}
	if c.Locator == "" {
		c.Locator = DefaultLocator
	}
	if c.GDBPath == "" {
		c.GDBPath = DefaultGDBPath
	}
	if c.Marker == "" {
		c.Marker = DefaultMarker
	}
	if c.MaxLabelLen <= 0 {
		c.MaxLabelLen = DefaultMaxLabelLen
	}
}

// Validate checks values that can not be defaulted.
func (c *Config) Validate() error {
	switch c.Locator {
	case "gdb", "elf":
	default:
		return fmt.Errorf("unknown locator %q (must be gdb or elf)", c.Locator)
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// A default, fully commented file is created on first use.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return nil, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return nil, fmt.Errorf("unable to get config file path: %v", err)
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		f, err := createDefaultConfig(fullConfigFile)
		if err != nil {
			return nil, fmt.Errorf("error creating default config file: %v", err)
		}
		f.Close()
	}
	return LoadConfigFrom(fullConfigFile)
}

// LoadConfigFrom reads the configuration stored at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	c.ApplyDefaults()
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for reclaim.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Exported function called inside the target process and its first argument.
# symbol: malloc_trim
# symbol-arg: 0

# Symbol resolution backend: "gdb" asks gdb for the runtime address,
# "elf" reads /proc/<pid>/maps and the mapped ELF symbol tables.
# locator: gdb

# gdb executable and extra arguments placed before the batch commands.
# gdb-path: gdb
# gdb-args: "-nx"

# Processes whose command line contains this string are not listed by
# 'reclaim list'. It does not apply to a pid given on the command line.
# marker: reclaim

# Maximum length of the command line label printed for a process.
# max-label-len: 255
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return filepath.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	if runtime.GOOS == "linux" {
		if _, err := os.Stat(filepath.Join(userHomeDir, configDirHome)); err == nil {
			return filepath.Join(userHomeDir, configDirHome, file), nil
		}
		return filepath.Join(userHomeDir, ".config", configDir, file), nil
	}
	return filepath.Join(userHomeDir, configDirHome, file), nil
}
