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

package config

import "strconv"

type field struct {
	key string
	set func(o *Options, value string) error
}

func stringField(key string, get func(o *Options) *string) field {
	return field{key, func(o *Options, value string) error {
		*get(o) = value
		return nil
	}}
}

func separatorField(key string, get func(o *Options) *string) field {
	return field{key, func(o *Options, value string) error {
		*get(o) = unescape(value)
		return nil
	}}
}

func intField(key string, get func(o *Options) *int) field {
	return field{key, func(o *Options, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*get(o) = n
		return nil
	}}
}

func boolField(key string, get func(o *Options) *bool) field {
	return field{key, func(o *Options, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*get(o) = b
		return nil
	}}
}

// fields lists the settings that can be set from the environment and the command line.
var fields = []field{
	stringField("addr", func(o *Options) *string { return &o.Addr }),
	intField("port", func(o *Options) *int { return &o.Port }),
	{"host-list", func(o *Options, value string) error {
		o.HostList = ParseList(value)
		return nil
	}},
	intField("workers", func(o *Options) *int { return &o.Workers }),
	stringField("metrics-addr", func(o *Options) *string { return &o.MetricsAddr }),
	intField("inactivity-timeout", func(o *Options) *int { return &o.InactivityTimeout }),
	boolField("happy-eyeballs", func(o *Options) *bool { return &o.HappyEyeballs }),
	intField("happy-eyeballs-timeout", func(o *Options) *int { return &o.HappyEyeballsTimeout }),
	stringField("dns-mode", func(o *Options) *string { return &o.DNSMode }),
	intField("dns-cache-size", func(o *Options) *int { return &o.DNSCacheSize }),
	stringField("doh-url", func(o *Options) *string { return &o.DoHURL }),
	stringField("doh-tls-servername", func(o *Options) *string { return &o.DoHTLSServerName }),
	stringField("doh-tls-pin", func(o *Options) *string { return &o.DoHTLSPin }),
	stringField("dot-host", func(o *Options) *string { return &o.DoTHost }),
	intField("dot-port", func(o *Options) *int { return &o.DoTPort }),
	stringField("dot-tls-servername", func(o *Options) *string { return &o.DoTTLSServerName }),
	stringField("dot-tls-pin", func(o *Options) *string { return &o.DoTTLSPin }),
	intField("https-clienthello-size", func(o *Options) *int { return &o.HTTPSClientHelloSize }),
	stringField("https-clienthello-tlsv", func(o *Options) *string { return &o.HTTPSClientHelloTLSv }),
	separatorField("http-newline-separator", func(o *Options) *string { return &o.HTTPNewlineSeparator }),
	separatorField("http-method-separator", func(o *Options) *string { return &o.HTTPMethodSeparator }),
	separatorField("http-target-separator", func(o *Options) *string { return &o.HTTPTargetSeparator }),
	separatorField("http-host-header-separator", func(o *Options) *string { return &o.HTTPHostHeaderSeparator }),
	boolField("http-mix-host-header-case", func(o *Options) *bool { return &o.HTTPMixHostHeaderCase }),
	stringField("log-level", func(o *Options) *string { return &o.LogLevel }),
}
