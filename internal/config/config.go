// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the demergi settings from defaults, a YAML file, environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Jigsaw-Code/demergi/dns"
	"github.com/Jigsaw-Code/demergi/internal/metrics"
	"github.com/Jigsaw-Code/demergi/proxy"
	"github.com/Jigsaw-Code/demergi/transport/httprewrite"
	"github.com/Jigsaw-Code/demergi/transport/tlsfrag"
	"github.com/goccy/go-yaml"
)

// EnvPrefix is the prefix of the environment variables. The variable of a setting is the prefix followed by the
// setting key in upper case, with dashes replaced by underscores.
const EnvPrefix = "DEMERGI_"

// LevelNone disables logging.
const LevelNone = slog.LevelError + 4

// Options holds every setting. Durations are in milliseconds.
type Options struct {
	Addr        string   `yaml:"addr"`
	Port        int      `yaml:"port"`
	HostList    []string `yaml:"host-list"`
	Workers     int      `yaml:"workers"`
	MetricsAddr string   `yaml:"metrics-addr"`

	InactivityTimeout    int  `yaml:"inactivity-timeout"`
	HappyEyeballs        bool `yaml:"happy-eyeballs"`
	HappyEyeballsTimeout int  `yaml:"happy-eyeballs-timeout"`

	DNSMode          string `yaml:"dns-mode"`
	DNSCacheSize     int    `yaml:"dns-cache-size"`
	DoHURL           string `yaml:"doh-url"`
	DoHTLSServerName string `yaml:"doh-tls-servername"`
	DoHTLSPin        string `yaml:"doh-tls-pin"`
	DoTHost          string `yaml:"dot-host"`
	DoTPort          int    `yaml:"dot-port"`
	DoTTLSServerName string `yaml:"dot-tls-servername"`
	DoTTLSPin        string `yaml:"dot-tls-pin"`

	HTTPSClientHelloSize int    `yaml:"https-clienthello-size"`
	HTTPSClientHelloTLSv string `yaml:"https-clienthello-tlsv"`

	HTTPNewlineSeparator    string `yaml:"http-newline-separator"`
	HTTPMethodSeparator     string `yaml:"http-method-separator"`
	HTTPTargetSeparator     string `yaml:"http-target-separator"`
	HTTPHostHeaderSeparator string `yaml:"http-host-header-separator"`
	HTTPMixHostHeaderCase   bool   `yaml:"http-mix-host-header-case"`

	LogLevel string `yaml:"log-level"`
}

// Default returns the default settings.
func Default() Options {
	return Options{
		Addr:                    "::",
		Port:                    8080,
		InactivityTimeout:       60000,
		HappyEyeballsTimeout:    250,
		DNSMode:                 dns.ModeDoT,
		DNSCacheSize:            100000,
		DoHURL:                  "https://1.0.0.1/dns-query",
		DoTHost:                 "1.0.0.1",
		DoTPort:                 853,
		HTTPSClientHelloSize:    tlsfrag.DefaultChunkSize,
		HTTPSClientHelloTLSv:    "1.3",
		HTTPNewlineSeparator:    httprewrite.DefaultOptions.NewlineSeparator,
		HTTPMethodSeparator:     httprewrite.DefaultOptions.MethodSeparator,
		HTTPTargetSeparator:     httprewrite.DefaultOptions.TargetSeparator,
		HTTPHostHeaderSeparator: httprewrite.DefaultOptions.HostHeaderSeparator,
		HTTPMixHostHeaderCase:   httprewrite.DefaultOptions.MixHostHeaderCase,
		LogLevel:                "info",
	}
}

// LoadFile overrides the settings present in the YAML file at path.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(data, o, yaml.DisallowUnknownField()); err != nil {
		return fmt.Errorf("failed to parse config file %v: %w", path, err)
	}
	return nil
}

// LoadEnv overrides the settings with the environment variables found by lookup, usually [os.LookupEnv].
func (o *Options) LoadEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, f := range fields {
		if value, ok := lookup(EnvName(f.key)); ok {
			if err := f.set(o, value); err != nil {
				errs = append(errs, fmt.Errorf("invalid %v: %w", EnvName(f.key), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Set overrides the setting with the given key, as named in the YAML file, with a value in the format of
// the environment variables and command-line flags.
func (o *Options) Set(key, value string) error {
	for _, f := range fields {
		if f.key == key {
			if err := f.set(o, value); err != nil {
				return fmt.Errorf("invalid %v: %w", key, err)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown setting %q", key)
}

// EnvName returns the environment variable of the setting key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Validate checks the settings for values the proxy can't work with.
func (o *Options) Validate() error {
	var errs []error
	if o.Port < 0 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", o.Port))
	}
	if o.Workers < 0 {
		errs = append(errs, fmt.Errorf("invalid number of workers %d", o.Workers))
	}
	if o.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("invalid inactivity timeout %d", o.InactivityTimeout))
	}
	if o.HappyEyeballsTimeout < 0 {
		errs = append(errs, fmt.Errorf("invalid Happy Eyeballs timeout %d", o.HappyEyeballsTimeout))
	}
	switch o.DNSMode {
	case dns.ModePlain, dns.ModeDoT:
	case "doh":
		errs = append(errs, errors.New("DNS mode doh is not implemented"))
	default:
		errs = append(errs, fmt.Errorf("invalid DNS mode %q", o.DNSMode))
	}
	if o.DNSCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid DNS cache size %d", o.DNSCacheSize))
	}
	if o.DoTPort <= 0 || o.DoTPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid DoT port %d", o.DoTPort))
	}
	if _, err := tlsfrag.ParseVersion(o.HTTPSClientHelloTLSv); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogLevel(o.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ListenAddress is the address the proxy listens on.
func (o *Options) ListenAddress() string {
	return net.JoinHostPort(o.Addr, strconv.Itoa(o.Port))
}

// ProxyOptions converts the settings for [proxy.NewServer]. The options must be valid.
func (o *Options) ProxyOptions(collector *metrics.Collector) proxy.Options {
	version, _ := tlsfrag.ParseVersion(o.HTTPSClientHelloTLSv)
	inactivity := time.Duration(o.InactivityTimeout) * time.Millisecond
	if inactivity == 0 {
		inactivity = -1
	}
	return proxy.Options{
		InactivityTimeout:  inactivity,
		HappyEyeballs:      o.HappyEyeballs,
		HappyEyeballsDelay: time.Duration(o.HappyEyeballsTimeout) * time.Millisecond,
		HostList:           o.HostList,
		ClientHelloSize:    o.HTTPSClientHelloSize,
		ClientHelloVersion: version,
		HTTP: httprewrite.Options{
			NewlineSeparator:    o.HTTPNewlineSeparator,
			MethodSeparator:     o.HTTPMethodSeparator,
			TargetSeparator:     o.HTTPTargetSeparator,
			HostHeaderSeparator: o.HTTPHostHeaderSeparator,
			MixHostHeaderCase:   o.HTTPMixHostHeaderCase,
		},
		Metrics: collector,
	}
}

// ResolverOptions converts the settings for [dns.NewResolver].
func (o *Options) ResolverOptions(logger *slog.Logger, observer dns.Observer) dns.ResolverOptions {
	return dns.ResolverOptions{
		Mode:      o.DNSMode,
		CacheSize: o.DNSCacheSize,
		DoT: dns.TLSTransportOptions{
			Address:    net.JoinHostPort(o.DoTHost, strconv.Itoa(o.DoTPort)),
			ServerName: o.DoTTLSServerName,
			Pin:        o.DoTTLSPin,
		},
		Logger:   logger,
		Observer: observer,
	}
}

// ParseList splits a host list on commas and whitespace.
func ParseList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// ParseLogLevel maps debug, info, warn, error and none to a log level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "none":
		return LevelNone, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

// unescape interprets Go escape sequences such as \r and \n, so separators can be given on the command line.
func unescape(s string) string {
	if unquoted, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`); err == nil {
		return unquoted
	}
	return s
}
