// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/pkgd/internal/errors"
	"github.com/kraklabs/pkgd/internal/ui"
	"github.com/kraklabs/pkgd/pkg/registry"
	"github.com/kraklabs/pkgd/pkg/sudo"
)

// defaultConfigName is looked up in the working directory when --config is
// not given.
const defaultConfigName = "pkgd.yaml"

// fileConfig is the on-disk shape of pkgd.yaml.
type fileConfig struct {
	InstallationDir     string   `yaml:"installationDir"`
	DocumentDir         string   `yaml:"documentDir"`
	BuiltInDirs         []string `yaml:"builtInDirs"`
	CACertificateFiles  []string `yaml:"caCertificateFiles"`
	HardwareID          string   `yaml:"hardwareId"`
	DevelopmentMode     bool     `yaml:"developmentMode"`
	AllowUnsigned       bool     `yaml:"allowUnsignedPackages"`
	UserIDSeparation    *struct {
		MinUserID     int `yaml:"minUserId"`
		MaxUserID     int `yaml:"maxUserId"`
		CommonGroupID int `yaml:"commonGroupId"`
	} `yaml:"applicationUserIdSeparation"`
}

// loadConfig reads pkgd.yaml and converts it into a registry configuration.
func loadConfig(globals GlobalFlags) (registry.Config, error) {
	path := globals.ConfigPath
	if path == "" {
		path = defaultConfigName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return registry.Config{}, errors.NewConfigError(
			"Cannot load the pkgd configuration",
			fmt.Sprintf("The configuration file %s cannot be read", path),
			"Run 'pkgd init' to create a new configuration",
			err,
		)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return registry.Config{}, errors.NewConfigError(
			"Cannot parse the pkgd configuration",
			fmt.Sprintf("%s is not valid YAML", path),
			"Fix the file or re-create it with 'pkgd init'",
			err,
		)
	}
	if fc.InstallationDir == "" {
		return registry.Config{}, errors.NewConfigError(
			"Incomplete pkgd configuration",
			"installationDir is not set",
			"Add an installationDir entry to "+path,
			nil,
		)
	}

	cfg := registry.Config{
		InstallationDir:       fc.InstallationDir,
		DocumentDir:           fc.DocumentDir,
		BuiltInDirs:           fc.BuiltInDirs,
		HardwareID:            fc.HardwareID,
		DevelopmentMode:       fc.DevelopmentMode,
		AllowUnsignedPackages: fc.AllowUnsigned,
		Sudo:                  sudo.ShortCircuit{},
		Logger:                newLogger(globals),
	}
	for _, certFile := range fc.CACertificateFiles {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return registry.Config{}, errors.NewConfigError(
				"Cannot read a CA certificate",
				fmt.Sprintf("The certificate file %s cannot be read", certFile),
				"Fix the caCertificateFiles entries in "+path,
				err,
			)
		}
		cfg.CACertificates = append(cfg.CACertificates, pem)
	}
	if sep := fc.UserIDSeparation; sep != nil {
		cfg.UserIDSeparation = &registry.UserIDSeparation{
			MinUserID:     sep.MinUserID,
			MaxUserID:     sep.MaxUserID,
			CommonGroupID: sep.CommonGroupID,
		}
	}
	return cfg, nil
}

// newLogger builds the CLI's slog logger; quiet mode only surfaces
// warnings.
func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelInfo
	if globals.Quiet {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openRegistry loads the configuration and starts the registry.
func openRegistry(globals GlobalFlags) (*registry.Registry, error) {
	cfg, err := loadConfig(globals)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(cfg)
	if err != nil {
		return nil, errors.NewPackageError(
			"Cannot start the package registry",
			err.Error(),
			"Check the installation directory for inconsistent content",
			err,
		)
	}
	return reg, nil
}

// runInit creates a starter pkgd.yaml plus the directories it references.
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dataDir := fs.String("data-dir", "./pkgd-data", "Base directory for packages and documents")
	force := fs.Bool("force", false, "Overwrite an existing configuration")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: pkgd init [options]

Description:
  Create a pkgd.yaml configuration in the current directory, plus the
  installation and document directories it references.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	path := globals.ConfigPath
	if path == "" {
		path = defaultConfigName
	}

	if _, err := os.Stat(path); err == nil && !*force {
		errors.FatalError(errors.NewInputError(
			"Configuration already exists",
			path+" is already present",
			"Use --force to overwrite it",
		), globals.JSON)
	}

	installDir := filepath.Join(*dataDir, "installed")
	docDir := filepath.Join(*dataDir, "documents")
	for _, dir := range []string{installDir, docDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errors.FatalError(errors.NewIOError(
				"Cannot create the data directories",
				err.Error(),
				"Check the permissions of "+*dataDir,
				err,
			), globals.JSON)
		}
	}

	content := fmt.Sprintf(`installationDir: %s
documentDir: %s
builtInDirs: []
caCertificateFiles: []
hardwareId: ""
developmentMode: false
allowUnsignedPackages: true
`, installDir, docDir)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		errors.FatalError(errors.NewIOError(
			"Cannot write the configuration",
			err.Error(),
			"Check the permissions of the current directory",
			err,
		), globals.JSON)
	}

	ui.Successf("Created %s", path)
	ui.Infof("Packages will be installed into %s", installDir)
}
