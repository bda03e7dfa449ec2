// Package envconf reads the process-wide configuration of the
// interception layer.
//
// Configuration is assembled from an optional YAML file named by
// DEVMOCK_CONFIG and from DEVMOCK_* environment variables, with the
// environment taking precedence. It is read once and immutable for the
// process lifetime; only the testbed "disabled" marker is checked per
// call.
package envconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables understood by Load.
const (
	EnvConfigFile      = "DEVMOCK_CONFIG"
	EnvDir             = "DEVMOCK_DIR"
	EnvIoctlRecordDev  = "DEVMOCK_IOCTL_RECORD_DEV"
	EnvIoctlRecordFile = "DEVMOCK_IOCTL_RECORD_FILE"

	envScriptRecordDev  = "DEVMOCK_SCRIPT_RECORD_DEV_%d"
	envScriptRecordFile = "DEVMOCK_SCRIPT_RECORD_FILE_%d"
)

// disabledMarker is the file under the testbed root whose presence turns
// redirection off without unsetting the root.
const disabledMarker = "disabled"

// ScriptRecord selects one device whose byte-stream conversation is
// recorded into a script log.
type ScriptRecord struct {
	Dev  uint64 `yaml:"dev"`
	File string `yaml:"file"`
}

// IoctlRecord selects the single device whose ioctl conversation is
// recorded, and the log file receiving it.
type IoctlRecord struct {
	Dev  uint64 `yaml:"dev"`
	File string `yaml:"file"`
}

// Config is the immutable process-wide configuration.
type Config struct {
	// Dir is the testbed root directory standing in for /dev and /sys.
	// Empty means no redirection.
	Dir string `yaml:"dir"`

	// IoctlRecord enables ioctl recording. Mutually exclusive with Dir.
	IoctlRecord IoctlRecord `yaml:"ioctl_record"`

	// ScriptRecords lists the devices whose read/write traffic is
	// recorded, in configuration order.
	ScriptRecords []ScriptRecord `yaml:"script_records"`
}

// Load builds the configuration from the given environment lookup
// function (usually os.Getenv). Configuration errors are fatal: the
// harness must not run partially configured.
func Load(getenv func(string) string) *Config {
	c := new(Config)

	if path := getenv(EnvConfigFile); path != "" {
		readConfigFile(c, path)
	}

	if dir := getenv(EnvDir); dir != "" {
		c.Dir = dir
	}
	if dev := getenv(EnvIoctlRecordDev); dev != "" {
		c.IoctlRecord.Dev = parseDev(EnvIoctlRecordDev, dev)
	}
	if file := getenv(EnvIoctlRecordFile); file != "" {
		c.IoctlRecord.File = file
	}
	if records, ok := scriptRecordsFromEnv(getenv); ok {
		c.ScriptRecords = records
	}

	c.validate()
	return c
}

// scriptRecordsFromEnv scans the numbered variable pairs, stopping at the
// first missing index. A device variable without its file companion is
// fatal.
func scriptRecordsFromEnv(getenv func(string) string) ([]ScriptRecord, bool) {
	var records []ScriptRecord
	for i := 0; ; i++ {
		devName := fmt.Sprintf(envScriptRecordDev, i)
		dev := getenv(devName)
		if dev == "" {
			return records, len(records) > 0
		}
		fileName := fmt.Sprintf(envScriptRecordFile, i)
		file := getenv(fileName)
		if file == "" {
			fatalf("$%s not set", fileName)
		}
		records = append(records, ScriptRecord{
			Dev:  parseDev(devName, dev),
			File: file,
		})
	}
}

func readConfigFile(c *Config, path string) {
	f, err := os.Open(path)
	if err != nil {
		fatalf("cannot open configuration file: %s", err)
	}
	defer f.Close()
	d := yaml.NewDecoder(f)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil {
		fatalf("cannot parse configuration file %s: %s", path, err)
	}
}

func (c *Config) validate() {
	if c.IoctlRecord.Dev != 0 {
		if c.IoctlRecord.File == "" {
			fatalf("$%s not set", EnvIoctlRecordFile)
		}
		if c.Dir != "" {
			fatalf("$%s cannot be used while recording ioctls", EnvDir)
		}
	}
	for _, r := range c.ScriptRecords {
		if r.File == "" {
			fatalf("script record for device %d has no log file", r.Dev)
		}
	}
}

// Disabled reports whether the testbed is configured but switched off by
// the marker file under its root. It is consulted on every redirected
// call so the marker can be flipped while the process runs.
func (c *Config) Disabled() bool {
	if c.Dir == "" {
		return false
	}
	_, err := os.Lstat(filepath.Join(c.Dir, disabledMarker))
	return err == nil
}

func parseDev(name, value string) uint64 {
	dev, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		fatalf("$%s: invalid device number %q", name, value)
	}
	return dev
}

var osExit = os.Exit

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "devmock: "+format+"\n", args...)
	osExit(1)
	panic("unreachable")
}
