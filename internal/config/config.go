// Package config loads the substrate's .ini configuration file (spec.md
// §6) into a typed Config, merging file values over built-in defaults.
package config

import (
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Config mirrors the `[General]` section of `<app>_config.ini`, plus the
// ambient additions SPEC_FULL §6 adds on top of the original shell's
// settings surface.
type Config struct {
	ServerIP         string
	ServerPort       int
	WorkerLimit      int
	ConnectTimeOut   time.Duration
	ReconnectTimeOut time.Duration

	KeepAliveInterval time.Duration
	DataDir           string
}

// Defaults returns the built-in configuration used when no .ini file is
// present, or for any key the file omits. 300,000ms matches the source
// framework's NetworkingGlobals::DefaultTimeOut for every timeout field.
func Defaults() Config {
	return Config{
		ServerIP:          "0.0.0.0",
		ServerPort:        45678,
		WorkerLimit:       0,
		ConnectTimeOut:    300_000 * time.Millisecond,
		ReconnectTimeOut:  300_000 * time.Millisecond,
		KeepAliveInterval: 300_000 * time.Millisecond,
	}
}

// Load reads path as an ini file and overlays its `[General]` section
// onto Defaults(). A missing file is not an error — Load returns the
// defaults unchanged, mirroring the original shell's tolerant settings
// load.
func Load(path string) (Config, error) {
	cfg := Defaults()

	f, err := ini.LooseLoad(path)
	if err != nil {
		return cfg, err
	}

	sec := f.Section("General")
	cfg.ServerIP = sec.Key("ServerIP").MustString(cfg.ServerIP)
	cfg.ServerPort = sec.Key("ServerPort").MustInt(cfg.ServerPort)
	cfg.WorkerLimit = sec.Key("WorkerLimit").MustInt(cfg.WorkerLimit)
	cfg.ConnectTimeOut = time.Duration(sec.Key("ConnectTimeOut").MustInt(int(cfg.ConnectTimeOut/time.Millisecond))) * time.Millisecond
	cfg.ReconnectTimeOut = time.Duration(sec.Key("ReconnectTimeOut").MustInt(int(cfg.ReconnectTimeOut/time.Millisecond))) * time.Millisecond
	cfg.KeepAliveInterval = time.Duration(sec.Key("KeepAliveIntervalMs").MustInt(int(cfg.KeepAliveInterval/time.Millisecond))) * time.Millisecond
	cfg.DataDir = sec.Key("DataDir").MustString(cfg.DataDir)

	return cfg, nil
}

// Save writes cfg back out to path as a `[General]`-sectioned .ini file.
func Save(cfg Config, path string) error {
	f := ini.Empty()
	sec, err := f.NewSection("General")
	if err != nil {
		return err
	}
	sec.Key("ServerIP").SetValue(cfg.ServerIP)
	sec.Key("ServerPort").SetValue(strconv.Itoa(cfg.ServerPort))
	sec.Key("WorkerLimit").SetValue(strconv.Itoa(cfg.WorkerLimit))
	sec.Key("ConnectTimeOut").SetValue(strconv.Itoa(int(cfg.ConnectTimeOut / time.Millisecond)))
	sec.Key("ReconnectTimeOut").SetValue(strconv.Itoa(int(cfg.ReconnectTimeOut / time.Millisecond)))
	sec.Key("KeepAliveIntervalMs").SetValue(strconv.Itoa(int(cfg.KeepAliveInterval / time.Millisecond)))
	sec.Key("DataDir").SetValue(cfg.DataDir)
	return f.SaveTo(path)
}
