// Package config loads the IDS's INI configuration file: gcfg decodes
// directly into a tagged struct, and CLI flags — parsed with the
// stdlib flag package — override whatever the file set.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravwell/gcfg"
)

// Parameters is the INI section [parameters], with exactly these keys.
type Parameters struct {
	Verbose                    int
	Debug                      int
	Create_log_files           bool
	Direction                  string // "src" or "all"
	Time_window_width          int64  // seconds
	Disable                    []string
	Store_a_copy_of_zeek_files bool
	Delete_zeek_files          bool
	Metadata_dir               string
	Disabled_detections        []string
	Home_network               string
}

// File is the root of the INI document: one [parameters] section.
type File struct {
	Parameters Parameters
}

func defaults() File {
	return File{
		Parameters: Parameters{
			Verbose:           1,
			Debug:             0,
			Time_window_width: 3600,
			Metadata_dir:      "metadata",
		},
	}
}

// Load reads and parses the INI file at path. A missing path is not an
// error: defaults are returned so the IDS can run config-free.
func Load(path string) (File, error) {
	f := defaults()
	if path == "" {
		return f, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, err
	}
	if err := gcfg.ReadStringInto(&f, string(b)); err != nil {
		return f, err
	}
	return f, nil
}

// CLIOverrides captures the core-relevant command-line surface. Any
// field left at its zero value does not override the config file (a
// zero verbose/debug means "use the file value").
type CLIOverrides struct {
	MinFlowCount     int // default -1
	ConfigPath       string
	Verbose          int
	Debug            int
	TimeWindowWidth  time.Duration
	WhitelistFile    string
	InputFile        string
	UseCurses        bool
	NoLogFiles       bool
	OutputDir        string
	StorePort        int
}

// Apply overrides f's [parameters] values in place with whatever the
// CLI surface set: a CLI value always wins over the config file.
func (f *File) Apply(o CLIOverrides) {
	if o.Verbose > 0 {
		f.Parameters.Verbose = o.Verbose
	}
	if o.Debug > 0 {
		f.Parameters.Debug = o.Debug
	}
	if o.TimeWindowWidth > 0 {
		f.Parameters.Time_window_width = int64(o.TimeWindowWidth.Seconds())
	}
	if o.NoLogFiles {
		f.Parameters.Create_log_files = false
	}
}

// WindowWidth returns the configured time-window width as a
// time.Duration, defaulting to one hour if unset or invalid.
func (f File) WindowWidth() time.Duration {
	if f.Parameters.Time_window_width <= 0 {
		return time.Hour
	}
	return time.Duration(f.Parameters.Time_window_width) * time.Second
}

// Disabled reports whether detector name appears in either the Disable
// or Disabled_detections lists (the original kept two overlapping
// knobs; both are honored here).
func (f File) Disabled(name string) bool {
	for _, d := range f.Parameters.Disable {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	for _, d := range f.Parameters.Disabled_detections {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}

// ParseBoolLoose accepts the handful of truthy spellings INI files in
// the wild tend to use, beyond gcfg's own bool parsing, for values
// threaded through manually (e.g. environment overrides).
func ParseBoolLoose(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return strconv.ParseBool(s)
}
