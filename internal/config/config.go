// Copyright 2022.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon's TOML configuration file, following
// the shape bpfman has always used: defaults applied up front, a best
// effort read of the on-disk file layered on top.
package config

import (
	"os"

	"github.com/go-logr/logr"
	toml "github.com/pelletier/go-toml"
)

// Tls holds certificate paths for the gRPC endpoint, when TLS is enabled.
type Tls struct {
	CaCert string `toml:"ca_cert"`
	Cert   string `toml:"cert"`
	Key    string `toml:"key"`
}

// Endpoint is one listener the RPC frontend binds.
type Endpoint struct {
	Type    string `toml:"type"` // "unix" or "tcp"
	Path    string `toml:"path"`
	Port    uint16 `toml:"port"`
	Enabled bool   `toml:"enabled"`
}

// Grpc groups the listeners the RPC frontend serves on.
type Grpc struct {
	Endpoints []Endpoint `toml:"endpoints"`
}

// Storage configures the state store and pin filesystem locations.
type Storage struct {
	DatabasePath string `toml:"database_path"`
	PinPath      string `toml:"pin_path"`
}

// Signing configures image signature verification (C2).
type Signing struct {
	VerifyEnabled bool   `toml:"verify_enabled"`
	PolicyPath    string `toml:"policy_path"`
}

// Data is the parsed contents of the daemon's TOML config file.
type Data struct {
	Tls     Tls     `toml:"tls"`
	Grpc    Grpc    `toml:"grpc"`
	Storage Storage `toml:"storage"`
	Signing Signing `toml:"signing"`

	// InactivityTimeoutSecs shuts the daemon down after this many
	// seconds with no inbound request; 0 disables it.
	InactivityTimeoutSecs int `toml:"inactivity_timeout_secs"`
}

const (
	DefaultSocketPath    = "/run/bpfman-sock/bpfman.sock"
	DefaultDatabasePath  = "/var/lib/bpfman/db"
	DefaultPinPath       = "/run/bpfman/fs"
	DefaultImageCacheDir = "/var/lib/bpfman/images"
)

func defaults() Data {
	return Data{
		Grpc: Grpc{
			Endpoints: []Endpoint{
				{Type: "unix", Path: DefaultSocketPath, Enabled: true},
			},
		},
		Storage: Storage{
			DatabasePath: DefaultDatabasePath,
			PinPath:      DefaultPinPath,
		},
		Signing: Signing{
			VerifyEnabled: false,
		},
		InactivityTimeoutSecs: 0,
	}
}

// Load reads configFilePath, applying defaults for anything the file
// doesn't set and for any read/parse failure. A missing or malformed
// config file is not fatal — bpfman always runs with some configuration.
func Load(configFilePath string, log logr.Logger) Data {
	cfg := defaults()

	log.Info("reading configuration file", "path", configFilePath)
	file, err := os.ReadFile(configFilePath)
	if err != nil {
		log.Info("could not read config file, using defaults", "error", err.Error())
		return cfg
	}

	if err := toml.Unmarshal(file, &cfg); err != nil {
		log.Info("could not parse config file, using defaults", "error", err.Error())
		return defaults()
	}

	return cfg
}
