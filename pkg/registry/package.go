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

package registry

import (
	"github.com/kraklabs/pkgd/pkg/manifest"
)

// PackageState describes where a package is in its lifecycle.
type PackageState int

const (
	// StateInstalled: the package is installed and usable.
	StateInstalled PackageState = iota

	// StateBeingInstalled: a first-time install is in progress.
	StateBeingInstalled

	// StateBeingUpdated: an update install is in progress.
	StateBeingUpdated

	// StateBeingDowngraded: the removable update of a built-in is being
	// removed, reverting to the base manifest.
	StateBeingDowngraded

	// StateBeingRemoved: the package is being deinstalled.
	StateBeingRemoved
)

// String returns the stable state name.
func (s PackageState) String() string {
	switch s {
	case StateInstalled:
		return "Installed"
	case StateBeingInstalled:
		return "BeingInstalled"
	case StateBeingUpdated:
		return "BeingUpdated"
	case StateBeingDowngraded:
		return "BeingDowngraded"
	case StateBeingRemoved:
		return "BeingRemoved"
	default:
		return "Unknown"
	}
}

// UIDUnassigned is the sentinel uid of packages without an assigned
// application user id.
const UIDUnassigned = -1

// pkg is the registry's model of one package. It unifies the built-in
// manifest (baseInfo) and an installed manifest (updatedInfo); at least one
// of them is always present. Packages are owned by the registry and must
// only be touched on its event loop; the outside world sees snapshots.
type pkg struct {
	baseInfo    *manifest.PackageInfo
	updatedInfo *manifest.PackageInfo

	state    PackageState
	blocked  bool
	progress float64
	uid      int
}

func newPkg(base, updated *manifest.PackageInfo) *pkg {
	return &pkg{
		baseInfo:    base,
		updatedInfo: updated,
		state:       StateInstalled,
		uid:         UIDUnassigned,
	}
}

// id returns the package id.
func (p *pkg) id() string {
	return p.info().ID
}

// info returns the active manifest: the update if one is applied, the base
// manifest otherwise.
func (p *pkg) info() *manifest.PackageInfo {
	if p.updatedInfo != nil {
		return p.updatedInfo
	}
	return p.baseInfo
}

// isBuiltIn reports whether the package has a built-in base manifest.
func (p *pkg) isBuiltIn() bool {
	return p.baseInfo != nil && p.baseInfo.BuiltIn
}

// builtInHasRemovableUpdate reports whether this is a built-in with an
// update applied that can be removed again.
func (p *pkg) builtInHasRemovableUpdate() bool {
	return p.isBuiltIn() && p.updatedInfo != nil
}

// block marks the package blocked. While blocked, the runtime subsystem
// must stop all of the package's applications and refuse to start new ones.
// Returns false if the package was already blocked.
func (p *pkg) block() bool {
	if p.blocked {
		return false
	}
	p.blocked = true
	return true
}

// unblock clears the blocked flag. Returns false if it was not set.
func (p *pkg) unblock() bool {
	if !p.blocked {
		return false
	}
	p.blocked = false
	return true
}

// ApplicationSnapshot is the read-only view of one application descriptor
// of a package.
type ApplicationSnapshot struct {
	ID           string
	Code         string
	Runtime      string
	Name         string
	Capabilities []string
}

// IntentSnapshot is the read-only view of one intent descriptor of a
// package.
type IntentSnapshot struct {
	ID                    string
	HandlingApplicationID string
	Visibility            string
	Categories            []string
}

// PackageSnapshot is the read-only view of a package handed to API callers
// and event subscribers.
type PackageSnapshot struct {
	ID           string
	Version      string
	Name         string
	Names        map[string]string
	Descriptions map[string]string
	Icon         string
	Categories   []string
	Applications []ApplicationSnapshot
	Intents      []IntentSnapshot
	State        PackageState
	Blocked      bool
	Progress     float64
	BuiltIn      bool
	UID          int

	// HasRemovableUpdate is true for built-ins with an update applied.
	HasRemovableUpdate bool
}

// snapshot captures the current state of the package.
func (p *pkg) snapshot() *PackageSnapshot {
	info := p.info()
	return &PackageSnapshot{
		ID:                 info.ID,
		Version:            info.Version,
		Name:               info.Name("en"),
		Names:              copyStringMap(info.Names),
		Descriptions:       copyStringMap(info.Descriptions),
		Icon:               info.Icon,
		Categories:         append([]string(nil), info.Categories...),
		Applications:       applicationSnapshots(info),
		Intents:            intentSnapshots(info),
		State:              p.state,
		Blocked:            p.blocked,
		Progress:           p.progress,
		BuiltIn:            p.isBuiltIn(),
		UID:                p.uid,
		HasRemovableUpdate: p.builtInHasRemovableUpdate(),
	}
}

// snapshotOf builds the snapshot of a manifest that is not registered yet
// (used for acknowledge requests during installation).
func snapshotOf(info *manifest.PackageInfo, state PackageState) *PackageSnapshot {
	return &PackageSnapshot{
		ID:           info.ID,
		Version:      info.Version,
		Name:         info.Name("en"),
		Names:        copyStringMap(info.Names),
		Descriptions: copyStringMap(info.Descriptions),
		Icon:         info.Icon,
		Categories:   append([]string(nil), info.Categories...),
		Applications: applicationSnapshots(info),
		Intents:      intentSnapshots(info),
		State:        state,
		Blocked:      true,
		UID:          UIDUnassigned,
	}
}

func applicationSnapshots(info *manifest.PackageInfo) []ApplicationSnapshot {
	if len(info.Applications) == 0 {
		return nil
	}
	out := make([]ApplicationSnapshot, 0, len(info.Applications))
	for _, app := range info.Applications {
		name := ""
		if app.Names != nil {
			name = app.Names["en"]
		}
		out = append(out, ApplicationSnapshot{
			ID:           app.ID,
			Code:         app.Code,
			Runtime:      app.Runtime,
			Name:         name,
			Capabilities: append([]string(nil), app.Capabilities...),
		})
	}
	return out
}

func intentSnapshots(info *manifest.PackageInfo) []IntentSnapshot {
	if len(info.Intents) == 0 {
		return nil
	}
	out := make([]IntentSnapshot, 0, len(info.Intents))
	for _, intent := range info.Intents {
		out = append(out, IntentSnapshot{
			ID:                    intent.ID,
			HandlingApplicationID: intent.HandlingApplicationID,
			Visibility:            intent.Visibility,
			Categories:            append([]string(nil), intent.Categories...),
		})
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
