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

package main

import (
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/demergi/internal/config"
	"github.com/spf13/pflag"
)

const configFlag = "config"

func registerFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.SortFlags = false
	fs.StringP(configFlag, "c", "", "YAML `file` with the settings, $DEMERGI_CONFIG")

	fs.StringP("addr", "A", d.Addr, "the `address` to bind the server to, $DEMERGI_ADDR")
	fs.IntP("port", "P", d.Port, "the `port` to bind the server to, $DEMERGI_PORT")
	fs.StringP("host-list", "H", "", "comma or whitespace separated `list` of hosts to rewrite requests for, all hosts if empty, $DEMERGI_HOST_LIST")
	fs.IntP("workers", "W", d.Workers, "the `number` of worker processes, $DEMERGI_WORKERS")
	fs.Int("inactivity-timeout", d.InactivityTimeout, "the `ms` of inactivity before a connection is closed, 0 disables it, $DEMERGI_INACTIVITY_TIMEOUT")
	fs.Bool("happy-eyeballs", d.HappyEyeballs, "race IPv6 and IPv4 connections, $DEMERGI_HAPPY_EYEBALLS")
	fs.Int("happy-eyeballs-timeout", d.HappyEyeballsTimeout, "the `ms` to wait before starting the next connection attempt, $DEMERGI_HAPPY_EYEBALLS_TIMEOUT")
	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this `address`, disabled if empty, $DEMERGI_METRICS_ADDR")

	fs.String("dns-mode", d.DNSMode, `the DNS resolution "plain" or "dot" `+"`mode`, $DEMERGI_DNS_MODE")
	fs.Int("dns-cache-size", d.DNSCacheSize, "the maximum `number` of cached DNS entries, $DEMERGI_DNS_CACHE_SIZE")
	fs.String("doh-url", d.DoHURL, "the DoH server `url`, $DEMERGI_DOH_URL")
	fs.String("doh-tls-servername", d.DoHTLSServerName, "the `name` to verify the DoH server certificate against, $DEMERGI_DOH_TLS_SERVERNAME")
	fs.String("doh-tls-pin", d.DoHTLSPin, "base64 SHA-256 `pin` of the DoH server public key, $DEMERGI_DOH_TLS_PIN")
	fs.String("dot-host", d.DoTHost, "the DoT server `host`, $DEMERGI_DOT_HOST")
	fs.Int("dot-port", d.DoTPort, "the DoT server `port`, $DEMERGI_DOT_PORT")
	fs.String("dot-tls-servername", d.DoTTLSServerName, "the `name` to verify the DoT server certificate against, $DEMERGI_DOT_TLS_SERVERNAME")
	fs.String("dot-tls-pin", d.DoTTLSPin, "base64 SHA-256 `pin` of the DoT server public key, $DEMERGI_DOT_TLS_PIN")

	fs.Int("https-clienthello-size", d.HTTPSClientHelloSize, "the maximum chunk `size` in bytes of the ClientHello fragments, less than 1 disables fragmentation, $DEMERGI_HTTPS_CLIENTHELLO_SIZE")
	fs.String("https-clienthello-tlsv", d.HTTPSClientHelloTLSv, `the TLS `+"`version`"+` of the ClientHello fragments, "1.0" to "1.3", $DEMERGI_HTTPS_CLIENTHELLO_TLSV`)

	fs.String("http-newline-separator", d.HTTPNewlineSeparator, "the `string` separating HTTP lines, $DEMERGI_HTTP_NEWLINE_SEPARATOR")
	fs.String("http-method-separator", d.HTTPMethodSeparator, "the `string` separating the HTTP method from the target, $DEMERGI_HTTP_METHOD_SEPARATOR")
	fs.String("http-target-separator", d.HTTPTargetSeparator, "the `string` separating the HTTP target from the version, $DEMERGI_HTTP_TARGET_SEPARATOR")
	fs.String("http-host-header-separator", d.HTTPHostHeaderSeparator, "the `string` separating the Host header key from its value, $DEMERGI_HTTP_HOST_HEADER_SEPARATOR")
	fs.Bool("http-mix-host-header-case", d.HTTPMixHostHeaderCase, "alternate upper and lower case in the Host header key, $DEMERGI_HTTP_MIX_HOST_HEADER_CASE")

	fs.StringP("log-level", "l", d.LogLevel, `the log `+"`level`"+`, "debug", "info", "warn", "error" or "none", $DEMERGI_LOG_LEVEL`)
}

// loadOptions applies the config file, the environment and the flags set on the command line, in that order,
// over the defaults.
func loadOptions(fs *pflag.FlagSet, lookupEnv func(string) (string, bool)) (config.Options, error) {
	opts := config.Default()

	path, err := fs.GetString(configFlag)
	if err != nil {
		return opts, err
	}
	if !fs.Changed(configFlag) {
		path, _ = lookupEnv(config.EnvName(configFlag))
	}
	if path != "" {
		if err := opts.LoadFile(path); err != nil {
			return opts, err
		}
	}
	if err := opts.LoadEnv(lookupEnv); err != nil {
		return opts, err
	}

	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case configFlag, "help", "version":
			return
		}
		errs = append(errs, opts.Set(f.Name, f.Value.String()))
	})
	if err := errors.Join(errs...); err != nil {
		return opts, err
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("invalid options: %w", err)
	}
	return opts, nil
}
