// Copyright (c) 2016 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads a qemu.Configuration from a TOML file, a convenience
// wrapper for callers that would otherwise hand-build one in Go. It is not
// part of the core component triple; Configuration itself carries no
// persistence.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/samcat116/swift-qemu/qemu"
)

// Disk mirrors qemu.Disk in TOML-friendly field names.
type Disk struct {
	Path      string `toml:"path"`
	Format    string `toml:"format"`
	Interface string `toml:"interface"`
	ReadOnly  bool   `toml:"read_only"`
	ID        string `toml:"id"`
}

// NIC mirrors qemu.NIC in TOML-friendly field names.
type NIC struct {
	Backend string            `toml:"backend"`
	Model   string            `toml:"model"`
	MAC     string            `toml:"mac"`
	ID      string            `toml:"id"`
	Options map[string]string `toml:"options"`
}

// File is the on-disk shape of a Configuration.
type File struct {
	MachineType       string `toml:"machine_type"`
	CPUType           string `toml:"cpu_type"`
	CPUCount          uint32 `toml:"cpu_count"`
	MemoryMiB         uint32 `toml:"memory_mib"`
	EnableKVM         bool   `toml:"enable_kvm"`
	Disks             []Disk `toml:"disk"`
	NICs              []NIC  `toml:"nic"`
	KernelPath        string `toml:"kernel_path"`
	InitrdPath        string `toml:"initrd_path"`
	KernelCommandLine string `toml:"kernel_command_line"`
	NoGraphic         bool     `toml:"no_graphic"`
	StartPaused       bool     `toml:"start_paused"`
	ExtraArgs         []string `toml:"extra_args"`
	SocketPath        string   `toml:"socket_path"`
	BinaryPath        string   `toml:"binary_path"`
}

// Load parses the TOML file at path into a qemu.Configuration.
func Load(path string) (qemu.Configuration, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return qemu.Configuration{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return f.toConfiguration(), nil
}

func (f File) toConfiguration() qemu.Configuration {
	disks := make([]qemu.Disk, 0, len(f.Disks))
	for _, d := range f.Disks {
		disks = append(disks, qemu.Disk{
			Path:      d.Path,
			Format:    d.Format,
			Interface: d.Interface,
			ReadOnly:  d.ReadOnly,
			ID:        d.ID,
		})
	}

	nics := make([]qemu.NIC, 0, len(f.NICs))
	for _, n := range f.NICs {
		nics = append(nics, qemu.NIC{
			Backend: n.Backend,
			Model:   n.Model,
			MAC:     n.MAC,
			ID:      n.ID,
			Options: n.Options,
		})
	}

	return qemu.Configuration{
		MachineType:       f.MachineType,
		CPUType:           f.CPUType,
		CPUCount:          f.CPUCount,
		MemoryMiB:         f.MemoryMiB,
		EnableKVM:         f.EnableKVM,
		Disks:             disks,
		NICs:              nics,
		KernelPath:        f.KernelPath,
		InitrdPath:        f.InitrdPath,
		KernelCommandLine: f.KernelCommandLine,
		NoGraphic:         f.NoGraphic,
		StartPaused:       f.StartPaused,
		ExtraArgs:         f.ExtraArgs,
		SocketPath:        f.SocketPath,
		BinaryPath:        f.BinaryPath,
	}
}
