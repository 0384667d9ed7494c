package config

import (
	"flag"
)

// Flags are the command line options shared by the server and the clients.
type Flags struct {
	fs         *flag.FlagSet
	ConfigPath string
	Host       string
	Port       int
	Protocol   string
	Verbose    bool
	Quiet      bool
}

// RegisterFlags defines the shared options on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	def := DefaultConfig()
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "c", "config.yaml", "configuration file (missing file means defaults)")
	fs.StringVar(&f.Host, "H", def.ServerHost, "server IP address")
	fs.IntVar(&f.Port, "p", def.ServerPort, "server port")
	fs.StringVar(&f.Protocol, "r", def.Protocol, "protocol: stop-and-wait (sw) or selective-repeat (sr)")
	fs.BoolVar(&f.Verbose, "v", false, "increase output verbosity")
	fs.BoolVar(&f.Quiet, "q", false, "decrease output verbosity")
	return f
}

// Load reads the configuration file and overrides it with the flags given
// explicitly on the command line. fs must have been parsed.
func (f *Flags) Load() (*Config, error) {
	cfg, err := ReadConfig(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	f.fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	if set["H"] {
		cfg.ServerHost = f.Host
	}
	if set["p"] {
		cfg.ServerPort = f.Port
	}
	if set["r"] {
		cfg.Protocol = f.Protocol
	}
	// A verbosity flag replaces the file's verbosity setting as a whole.
	if set["v"] || set["q"] {
		cfg.Verbose = f.Verbose
		cfg.Quiet = f.Quiet
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
