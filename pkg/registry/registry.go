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

// Package registry implements the in-memory package registry and the
// asynchronous task engine that mutates it.
//
// The registry unifies built-in packages (read-only manifests shipped with
// the system) and installed packages (mutable installation directories) into
// a single model, serializes all mutating operations through a task queue,
// and emits change notifications.
//
// All registry state is owned by a single event-loop goroutine. Tasks run on
// their own goroutines and cross into the registry through blocking
// dispatches, preserving a single-writer invariant; the outside world
// observes the registry through snapshots and subscribed events.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kraklabs/pkgd/pkg/ids"
	"github.com/kraklabs/pkgd/pkg/manifest"
	"github.com/kraklabs/pkgd/pkg/report"
	"github.com/kraklabs/pkgd/pkg/sudo"
)

// UserIDSeparation configures per-package application user ids.
type UserIDSeparation struct {
	// MinUserID and MaxUserID bound the uid range handed out to packages.
	MinUserID int
	MaxUserID int

	// CommonGroupID is the group id shared by all applications.
	CommonGroupID int
}

// ApplicationMonitor is the registry's view of the runtime subsystem. The
// registry blocks packages; the runtime stops their applications.
type ApplicationMonitor interface {
	// AllApplicationsStopped reports whether every application of the
	// package has stopped due to a block.
	AllApplicationsStopped(packageID string) bool
}

// Config carries the startup configuration of the registry.
type Config struct {
	// InstallationDir is the directory holding installed packages.
	InstallationDir string

	// DocumentDir is the root for per-package document directories. Empty
	// disables document directory handling.
	DocumentDir string

	// BuiltInDirs are the read-only directories holding built-in package
	// manifests, one sub-directory per package.
	BuiltInDirs []string

	// CACertificates is the chain of trust for package signatures, as PEM
	// blocks.
	CACertificates [][]byte

	// HardwareID is the device identity used to derive store-signature
	// digests.
	HardwareID string

	// DevelopmentMode permits developer-signed packages.
	DevelopmentMode bool

	// AllowUnsignedPackages disables signature verification entirely.
	AllowUnsignedPackages bool

	// UserIDSeparation enables per-package application uids. Requires a
	// privileged helper.
	UserIDSeparation *UserIDSeparation

	// Monitor is consulted while waiting for the applications of a
	// blocked package to stop. A nil monitor reports all stopped.
	Monitor ApplicationMonitor

	// Sudo is the privileged helper client. A nil client falls back to
	// in-process operations without elevated rights.
	Sudo sudo.Client

	// Logger is used for structured logging; nil uses slog.Default().
	Logger *slog.Logger
}

// Registry is the authoritative model of what is installed plus the
// transactional engine that mutates that state.
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	events   *notifier
	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}

	// all fields below are owned by the event loop
	packages     []*pkg
	byID         map[string]*pkg
	pending      map[string]*manifest.PackageInfo // package id -> pending update info
	applications map[string]string                // application id -> owning package id
	intents      map[string]string                // intent id -> owning package id
	incoming     []task
	active       task
	installed    []task // tasks past extraction, awaiting acknowledge or committing ("installing" set)
	uidsInUse    map[int]bool

	// commitMu serializes the commit phase across all tasks
	commitMu chanMutex
}

// chanMutex is a mutex the event loop never touches, so holding it across a
// blocking dispatch is safe.
type chanMutex struct{ ch chan struct{} }

func newChanMutex() chanMutex {
	m := chanMutex{ch: make(chan struct{}, 1)}
	return m
}
func (m chanMutex) Lock()   { m.ch <- struct{}{} }
func (m chanMutex) Unlock() { <-m.ch }

// New scans the built-in and installation directories, removes broken and
// unreferenced entries, and starts the registry's event loop.
func New(cfg Config) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.InstallationDir != "" {
		if err := os.MkdirAll(cfg.InstallationDir, 0o755); err != nil {
			return nil, fmt.Errorf("create installation directory: %w", err)
		}
	}
	if cfg.DocumentDir != "" {
		if err := os.MkdirAll(cfg.DocumentDir, 0o755); err != nil {
			return nil, fmt.Errorf("create document directory: %w", err)
		}
	}

	r := &Registry{
		cfg:          cfg,
		logger:       logger,
		events:       newNotifier(logger),
		ops:          make(chan func(), 16),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		byID:         map[string]*pkg{},
		pending:      map[string]*manifest.PackageInfo{},
		applications: map[string]string{},
		intents:      map[string]string{},
		uidsInUse:    map[int]bool{},
		commitMu:     newChanMutex(),
	}

	if err := r.registerPackages(); err != nil {
		return nil, err
	}

	go r.loop()

	metricsInit()
	metricsPackages.Set(float64(len(r.packages)))

	r.publish(Event{Type: EventReady})
	logger.Info("registry.ready", "packages", len(r.packages))
	return r, nil
}

// Stop shuts down the event loop. It must not be called while tasks are
// still active; wait for their terminal events first.
func (r *Registry) Stop() {
	close(r.quit)
	<-r.loopDone
}

// Subscribe registers an event subscriber. Events are dropped when the
// subscriber's buffer is full; cancel closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.events.subscribe(buffer)
}

// loop is the registry's event loop; it owns all registry state.
func (r *Registry) loop() {
	defer close(r.loopDone)
	for {
		select {
		case fn := <-r.ops:
			fn()
		case <-r.quit:
			return
		}
	}
}

// invoke runs fn on the event loop and waits for it. Must never be called
// from the loop itself.
func (r *Registry) invoke(fn func()) {
	done := make(chan struct{})
	r.ops <- func() {
		fn()
		close(done)
	}
	<-done
}

// dispatch schedules fn on the event loop without waiting. Safe to call
// from the loop.
func (r *Registry) dispatch(fn func()) {
	select {
	case r.ops <- fn:
	default:
		go func() { r.ops <- fn }()
	}
}

func (r *Registry) publish(ev Event) {
	r.events.publish(ev)
}

// ----------------------------------------------------------------------
// startup registration

// registerPackages builds the registry content from the filesystem. It runs
// before the event loop starts, so it may touch registry state directly.
func (r *Registry) registerPackages() error {
	db := &database{
		builtInDirs:     r.cfg.BuiltInDirs,
		installationDir: r.cfg.InstallationDir,
		logger:          r.logger,
	}
	res, err := db.scan()
	if err != nil {
		return err
	}

	// map all built-in packages first
	type pair struct{ base, updated *manifest.PackageInfo }
	pkgs := map[string]*pair{}
	order := []string{}
	for _, pi := range res.builtIn {
		if existing, ok := pkgs[pi.ID]; ok {
			return newError(KindRegistryConflict,
				"found more than one built-in package with id '%s': here: %s and there: %s",
				pi.ID, existing.base.BaseDir, pi.BaseDir)
		}
		pkgs[pi.ID] = &pair{base: pi}
		order = append(order, pi.ID)
	}

	// next, map the installed packages, detecting updates to built-ins
	for _, pi := range res.installed {
		if existing, ok := pkgs[pi.ID]; ok {
			if !existing.base.BuiltIn {
				return newError(KindRegistryConflict,
					"found more than one installed package with the same id '%s'", pi.ID)
			}
			if existing.updated != nil {
				return newError(KindRegistryConflict,
					"found more than one update for the built-in package with id '%s'", pi.ID)
			}
			existing.updated = pi
		} else {
			pkgs[pi.ID] = &pair{base: pi}
			order = append(order, pi.ID)
		}
	}

	for _, id := range order {
		p := newPkg(pkgs[id].base, pkgs[id].updated)
		if r.cfg.UserIDSeparation != nil {
			p.uid = r.allocateUserID()
		}
		r.packages = append(r.packages, p)
		r.byID[id] = p
		if err := r.registerApplicationsAndIntents(p, true); err != nil {
			return err
		}
	}

	// now that the package db is consistent, clean up the filesystem
	return r.cleanupBrokenInstallations(res.broken)
}

// cleanupBrokenInstallations verifies every installed entry and deletes
// whatever the registry does not reference: broken installs, leftover
// '+'/'-' directories, stray files and orphaned document directories.
func (r *Registry) cleanupBrokenInstallations(broken []string) error {
	validInstall := map[string]bool{}
	validDocs := map[string]bool{}

	// iterate over a detached copy: broken entries are removed inline
	for _, p := range append([]*pkg(nil), r.packages...) {
		info := p.info()
		if info.InstallationReport == nil {
			continue
		}

		pkgDir := filepath.Join(r.cfg.InstallationDir, p.id())
		valid := fileReadable(filepath.Join(pkgDir, "info.yaml")) &&
			fileReadable(filepath.Join(pkgDir, report.FileName)) &&
			dirExists(pkgDir)

		if valid {
			validInstall[p.id()] = true
			validDocs[p.id()] = true
			continue
		}

		r.logger.Warn("registry.cleanup.uninstall", "package", p.id(), "reason", "missing files")
		if !r.startingPackageRemovalLocked(p.id()) || !r.finishedPackageInstallLocked(p.id()) {
			return newError(KindInternal,
				"could not remove broken installation of package %s from the database", p.id())
		}
	}

	// built-ins without an installed update keep their document dirs too
	for _, p := range r.packages {
		validDocs[p.id()] = true
	}

	if r.cfg.InstallationDir != "" {
		if err := r.sweepUnreferenced(r.cfg.InstallationDir, validInstall); err != nil {
			return err
		}
	}
	if r.cfg.DocumentDir != "" {
		if err := r.sweepUnreferenced(r.cfg.DocumentDir, validDocs); err != nil {
			return err
		}
	}

	if len(broken) > 0 {
		// their directories were unreferenced, so the sweep removed them
		r.logger.Warn("registry.cleanup.broken", "count", len(broken))
	}
	return nil
}

// sweepUnreferenced removes every directory entry whose name is not in the
// valid set.
func (r *Registry) sweepUnreferenced(dir string, valid map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newError(KindFilesystemError, "could not scan %s for cleanup: %v", dir, err)
	}
	for _, entry := range entries {
		if valid[entry.Name()] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		r.logger.Warn("registry.cleanup.remove", "path", path)
		if err := r.removeRecursiveHelper(path); err != nil {
			return newError(KindFilesystemError, "could not remove broken installation leftover %s: %v", path, err)
		}
	}
	return nil
}

// ----------------------------------------------------------------------
// task queue discipline

// enqueueTask appends a task to the incoming queue and triggers execution.
func (r *Registry) enqueueTask(t task) string {
	r.invoke(func() {
		r.incoming = append(r.incoming, t)
		r.dispatch(r.executeNextTask)
	})
	return t.id()
}

// executeNextTask starts the next queued task when no task is in its
// pre-acknowledge phase. Runs on the event loop.
func (r *Registry) executeNextTask() {
	if r.active != nil || len(r.incoming) == 0 {
		return
	}

	t := r.incoming[0]
	r.incoming = r.incoming[1:]

	if t.hasFailed() {
		t.setState(TaskFailed)
		r.handleFailure(t)
		r.dispatch(r.executeNextTask)
		return
	}

	started := time.Now()
	bt := taskBase(t)
	bt.connect(t, r.onTaskState, r.onTaskProgress,
		taskRun(t),
		func() {
			metricsTaskSeconds.Observe(time.Since(started).Seconds())
			r.dispatch(func() { r.onTaskDone(t) })
		},
	)

	r.active = t
	r.publish(Event{Type: EventTaskStarted, TaskID: t.id(), PackageID: t.packageID()})
	t.setState(TaskExecuting)
	t.start()
}

// onTaskState observes task state transitions (called from task goroutines).
func (r *Registry) onTaskState(t task, state TaskState) {
	r.publish(Event{Type: EventTaskStateChanged, TaskID: t.id(), PackageID: t.packageID(), TaskState: state})
}

// onTaskProgress observes task progress (called from task goroutines). The
// package mirror of the progress is updated on the event loop.
func (r *Registry) onTaskProgress(t task, progress float64) {
	r.publish(Event{Type: EventTaskProgress, TaskID: t.id(), PackageID: t.packageID(), Progress: progress})

	r.dispatch(func() {
		if p, ok := r.byID[t.packageID()]; ok && p.state != StateInstalled {
			p.progress = progress
			r.publish(Event{Type: EventPackageChanged, PackageID: p.id(), Package: p.snapshot()})
		}
	})
}

// onExtractionFinished moves an installation task from the active slot into
// the installing set, so the next queued task can start in parallel (called
// from the task goroutine).
func (r *Registry) onExtractionFinished(t task) {
	r.invoke(func() {
		r.logger.Debug("registry.task.blocking", "task", t.id())
		r.publish(Event{Type: EventTaskBlockingUntilInstallationAcknowledge, TaskID: t.id(), PackageID: t.packageID()})

		if r.active == t {
			r.active = nil
		}
		r.installed = append(r.installed, t)
		r.dispatch(r.executeNextTask)
	})
}

// onTaskDone finalizes a task. Runs on the event loop.
func (r *Registry) onTaskDone(t task) {
	if t.hasFailed() {
		t.setState(TaskFailed)
		r.handleFailure(t)
	} else {
		t.setState(TaskFinished)
		r.logger.Debug("registry.task.finished", "task", t.id())
		r.publish(Event{Type: EventTaskFinished, TaskID: t.id(), PackageID: t.packageID()})
		metricsTasksFinished.Inc()
	}

	if r.active == t {
		r.active = nil
	}
	r.installed = removeTaskFrom(r.installed, t)
	r.incoming = removeTaskFrom(r.incoming, t)

	metricsPackages.Set(float64(len(r.packages)))
	r.dispatch(r.executeNextTask)
}

func (r *Registry) handleFailure(t task) {
	e := t.err()
	if e == nil {
		e = newError(KindInternal, "task failed without an error")
	}
	r.logger.Debug("registry.task.failed", "task", t.id(), "code", e.Kind.Code(), "error", e.Error())
	r.publish(Event{
		Type:        EventTaskFailed,
		TaskID:      t.id(),
		PackageID:   t.packageID(),
		ErrorKind:   e.Kind,
		ErrorString: e.Error(),
	})
	metricsTasksFailed.Inc()
}

func removeTaskFrom(list []task, t task) []task {
	for i, other := range list {
		if other == t {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// allTasks lists the queued, active and installing tasks. Runs on the event
// loop.
func (r *Registry) allTasks() []task {
	out := make([]task, 0, len(r.incoming)+len(r.installed)+1)
	if r.active != nil {
		out = append(out, r.active)
	}
	out = append(out, r.installed...)
	out = append(out, r.incoming...)
	return out
}

func (r *Registry) findTask(taskID string) task {
	for _, t := range r.allTasks() {
		if t.id() == taskID {
			return t
		}
	}
	return nil
}

// taskBase extracts the embedded baseTask of a concrete task.
func taskBase(t task) *baseTask {
	switch tt := t.(type) {
	case *installTask:
		return &tt.baseTask
	case *removeTask:
		return &tt.baseTask
	default:
		panic("unknown task type")
	}
}

// taskRun extracts the execute entry point of a concrete task.
func taskRun(t task) func() {
	switch tt := t.(type) {
	case *installTask:
		return tt.execute
	case *removeTask:
		return tt.execute
	default:
		panic("unknown task type")
	}
}

// ----------------------------------------------------------------------
// handshakes used by tasks (each crosses onto the event loop)

// isPackageInstallationActive reports whether an installation task that has
// finished extraction (awaiting acknowledge or later) already works on the
// given package id.
func (r *Registry) isPackageInstallationActive(id string) bool {
	var active bool
	r.invoke(func() {
		for _, t := range r.installed {
			if t.packageID() == id {
				active = true
				return
			}
		}
	})
	return active
}

// startingPackageInstallation transfers the manifest into the registry. For
// a new id, a blocked package in state BeingInstalled is registered; for an
// existing id the package is blocked and marked BeingUpdated while the new
// manifest is parked until the installation finishes.
func (r *Registry) startingPackageInstallation(info *manifest.PackageInfo, uid int) bool {
	if info == nil || info.ID == "" {
		return false
	}

	var ok bool
	r.invoke(func() {
		p, exists := r.byID[info.ID]
		if exists { // update
			if !p.block() {
				return
			}
			// do not touch base/updated info yet; only after success
			r.pending[info.ID] = info
			p.state = StateBeingUpdated
			p.progress = 0
			r.publish(Event{Type: EventPackageChanged, PackageID: p.id(), Package: p.snapshot()})
			ok = true
			return
		}

		// new installation: register a blocked package
		p = newPkg(info, nil)
		p.state = StateBeingInstalled
		p.blocked = true
		p.uid = uid
		if uid != UIDUnassigned {
			r.uidsInUse[uid] = true
		}
		r.packages = append(r.packages, p)
		r.byID[info.ID] = p
		r.publish(Event{Type: EventPackageChanged, PackageID: p.id(), Package: p.snapshot()})
		ok = true
	})
	return ok
}

// startingPackageRemoval blocks the package and marks it BeingRemoved (or
// BeingDowngraded for a built-in with a removable update).
func (r *Registry) startingPackageRemoval(id string) bool {
	var ok bool
	r.invoke(func() {
		ok = r.startingPackageRemovalLocked(id)
	})
	return ok
}

func (r *Registry) startingPackageRemovalLocked(id string) bool {
	p, exists := r.byID[id]
	if !exists {
		return false
	}
	if p.blocked || p.state != StateInstalled {
		return false
	}
	if p.isBuiltIn() && !p.builtInHasRemovableUpdate() {
		return false
	}
	if !p.block() {
		return false
	}

	if p.builtInHasRemovableUpdate() {
		p.state = StateBeingDowngraded
	} else {
		p.state = StateBeingRemoved
	}
	p.progress = 0
	r.publish(Event{Type: EventPackageChanged, PackageID: p.id(), Package: p.snapshot()})
	return true
}

// finishedPackageInstall completes the state transition of an install,
// update, downgrade or removal: manifests are swapped, the report attached,
// and the package unblocked (or deleted).
func (r *Registry) finishedPackageInstall(id string) bool {
	var ok bool
	r.invoke(func() {
		ok = r.finishedPackageInstallLocked(id)
	})
	return ok
}

func (r *Registry) finishedPackageInstallLocked(id string) bool {
	p, exists := r.byID[id]
	if !exists {
		return false
	}

	switch p.state {
	case StateInstalled:
		return false

	case StateBeingInstalled, StateBeingUpdated, StateBeingDowngraded:
		isUpdate := p.state == StateBeingUpdated
		isDowngrade := p.state == StateBeingDowngraded

		// figure out what the new info is
		var newInfo *manifest.PackageInfo
		switch {
		case isUpdate:
			newInfo = r.pending[id]
			delete(r.pending, id)
		case isDowngrade:
			newInfo = nil
		default:
			newInfo = p.baseInfo
		}

		// attach the installation report (unless we are just downgrading
		// a built-in back to its base manifest)
		if !isDowngrade {
			rpt, err := report.LoadFile(newInfo.BaseDir)
			if err != nil {
				r.logger.Error("registry.install.report",
					"package", id, "dir", newInfo.BaseDir, "error", err)
				return false
			}
			newInfo.InstallationReport = rpt
		}

		if isUpdate || isDowngrade {
			// unregister all the old apps & intents before the manifest
			// pointers change
			r.unregisterApplicationsAndIntents(p)

			if p.isBuiltIn() {
				p.updatedInfo = newInfo
			} else {
				p.baseInfo = newInfo
			}
		}

		// register the apps & intents of the now-active manifest
		_ = r.registerApplicationsAndIntents(p, false)

		p.state = StateInstalled
		p.progress = 0
		p.unblock()
		r.publish(Event{Type: EventPackageChanged, PackageID: p.id(), Package: p.snapshot()})
		return true

	case StateBeingRemoved:
		r.publish(Event{Type: EventPackageAboutToBeRemoved, PackageID: p.id(), Package: p.snapshot()})

		r.unregisterApplicationsAndIntents(p)

		for i, other := range r.packages {
			if other == p {
				r.packages = append(r.packages[:i], r.packages[i+1:]...)
				break
			}
		}
		delete(r.byID, id)
		if p.uid != UIDUnassigned {
			delete(r.uidsInUse, p.uid)
		}
		p.unblock()
		return true
	}
	return false
}

// canceledPackageInstall rolls the registry state back after a failed or
// canceled install/update/removal.
func (r *Registry) canceledPackageInstall(id string) bool {
	var ok bool
	r.invoke(func() {
		p, exists := r.byID[id]
		if !exists {
			return
		}

		switch p.state {
		case StateInstalled:
			return

		case StateBeingInstalled:
			// remove the never-completed package from the model
			r.publish(Event{Type: EventPackageAboutToBeRemoved, PackageID: p.id(), Package: p.snapshot()})
			for i, other := range r.packages {
				if other == p {
					r.packages = append(r.packages[:i], r.packages[i+1:]...)
					break
				}
			}
			delete(r.byID, id)
			if p.uid != UIDUnassigned {
				delete(r.uidsInUse, p.uid)
			}
			p.unblock()

		case StateBeingUpdated, StateBeingDowngraded, StateBeingRemoved:
			delete(r.pending, id)
			p.state = StateInstalled
			p.progress = 0
			r.publish(Event{Type: EventPackageChanged, PackageID: p.id(), Package: p.snapshot()})
			p.unblock()
		}
		ok = true
	})
	return ok
}

// packageForRemoval returns the snapshot of a package plus whether an
// installation report is attached to its active manifest.
func (r *Registry) packageForRemoval(id string) (*PackageSnapshot, bool) {
	var snap *PackageSnapshot
	var hasReport bool
	r.invoke(func() {
		if p, ok := r.byID[id]; ok {
			snap = p.snapshot()
			hasReport = p.info().InstallationReport != nil
		}
	})
	return snap, hasReport
}

// allApplicationsStopped consults the runtime monitor for a blocked
// package.
func (r *Registry) allApplicationsStopped(id string) bool {
	if r.cfg.Monitor == nil {
		return true
	}
	return r.cfg.Monitor.AllApplicationsStopped(id)
}

// userIDForInstall returns the uid to install the package under: the
// existing package's uid for updates, a freshly allocated one otherwise.
func (r *Registry) userIDForInstall(id string) int {
	uid := UIDUnassigned
	r.invoke(func() {
		if p, ok := r.byID[id]; ok && p.uid != UIDUnassigned {
			uid = p.uid
			return
		}
		uid = r.allocateUserID()
		if uid != UIDUnassigned {
			r.uidsInUse[uid] = true
		}
	})
	return uid
}

// allocateUserID finds an unused uid in the configured range. Runs on the
// event loop (or before it starts).
func (r *Registry) allocateUserID() int {
	sep := r.cfg.UserIDSeparation
	if sep == nil {
		return UIDUnassigned
	}
	for uid := sep.MinUserID; uid <= sep.MaxUserID; uid++ {
		if !r.uidsInUse[uid] {
			r.uidsInUse[uid] = true
			return uid
		}
	}
	r.logger.Error("registry.uid.exhausted", "min", sep.MinUserID, "max", sep.MaxUserID)
	return UIDUnassigned
}

// registerApplicationsAndIntents indexes the applications and intents of
// the package's active manifest so their ids stay unique across the
// registry. Conflicts are fatal when strict is set (startup); otherwise the
// conflicting descriptor is skipped with an error log, matching how a
// finished installation must not fail anymore. Runs on the event loop (or
// before it starts).
func (r *Registry) registerApplicationsAndIntents(p *pkg, strict bool) error {
	info := p.info()
	for _, app := range info.Applications {
		if owner, taken := r.applications[app.ID]; taken && owner != p.id() {
			if strict {
				return newError(KindRegistryConflict,
					"application id '%s' of package %s is already registered by package %s",
					app.ID, p.id(), owner)
			}
			r.logger.Error("registry.application.conflict",
				"application", app.ID, "package", p.id(), "owner", owner)
			continue
		}
		r.applications[app.ID] = p.id()
	}
	for _, intent := range info.Intents {
		if owner, taken := r.intents[intent.ID]; taken && owner != p.id() {
			if strict {
				return newError(KindRegistryConflict,
					"intent id '%s' of package %s is already registered by package %s",
					intent.ID, p.id(), owner)
			}
			r.logger.Error("registry.intent.conflict",
				"intent", intent.ID, "package", p.id(), "owner", owner)
			continue
		}
		r.intents[intent.ID] = p.id()
	}
	return nil
}

// unregisterApplicationsAndIntents drops the index entries owned by the
// package's active manifest. Runs on the event loop.
func (r *Registry) unregisterApplicationsAndIntents(p *pkg) {
	info := p.info()
	for _, app := range info.Applications {
		if r.applications[app.ID] == p.id() {
			delete(r.applications, app.ID)
		}
	}
	for _, intent := range info.Intents {
		if r.intents[intent.ID] == p.id() {
			delete(r.intents, intent.ID)
		}
	}
}

// removeRecursiveHelper deletes a tree, going through the privileged helper
// when uid separation is enabled (the files may be owned by foreign uids).
func (r *Registry) removeRecursiveHelper(path string) error {
	if r.cfg.UserIDSeparation != nil && r.cfg.Sudo != nil {
		return r.cfg.Sudo.RemoveRecursive(path)
	}
	return os.RemoveAll(path)
}

// scopeRemover is the removal function handed to filesystem guards.
func (r *Registry) scopeRemover() func(string) error {
	return r.removeRecursiveHelper
}

// ----------------------------------------------------------------------
// public operations

// StartPackageInstallation downloads and installs the package at sourceURL
// (http(s), file:// or a plain path). The returned task id can be observed
// through events; the installation only completes after
// AcknowledgePackageInstallation is called for it.
func (r *Registry) StartPackageInstallation(sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", newError(KindMalformedPackage, "no package url given")
	}
	metricsInstallsStarted.Inc()
	t := newInstallTask(r, sourceURL)
	return r.enqueueTask(t), nil
}

// AcknowledgePackageInstallation lets the installation task identified by
// taskID proceed into its commit phase.
func (r *Registry) AcknowledgePackageInstallation(taskID string) {
	var it *installTask
	r.invoke(func() {
		if t, ok := r.findTask(taskID).(*installTask); ok {
			it = t
		}
	})
	if it != nil {
		it.acknowledge()
	}
}

// RemovePackage uninstalls the package identified by id. The documents
// directory is deleted too unless keepDocuments is set. force skips the
// installation-report sanity check after an earlier failed removal.
func (r *Registry) RemovePackage(id string, keepDocuments, force bool) (string, error) {
	var exists bool
	r.invoke(func() {
		_, exists = r.byID[id]
	})
	if !exists {
		return "", newError(KindNotInstalled, "cannot remove package %s because it is not installed", id)
	}
	metricsRemovalsStarted.Inc()
	t := newRemoveTask(r, id, keepDocuments, force)
	return r.enqueueTask(t), nil
}

// CancelTask tries to cancel the task identified by taskID. Queued tasks
// are canceled immediately; the active and installing tasks decide for
// themselves. Returns whether the task was (or will be) canceled.
func (r *Registry) CancelTask(taskID string) bool {
	var queued task
	var running task
	r.invoke(func() {
		for i, t := range r.incoming {
			if t.id() == taskID {
				queued = t
				r.incoming = append(r.incoming[:i], r.incoming[i+1:]...)
				return
			}
		}
		if r.active != nil && r.active.id() == taskID {
			running = r.active
			return
		}
		for _, t := range r.installed {
			if t.id() == taskID {
				running = t
				return
			}
		}
	})

	if queued != nil {
		// never started: fail it right away
		queued.forceCancel()
		r.invoke(func() {
			queued.setState(TaskFailed)
			r.handleFailure(queued)
			r.dispatch(r.executeNextTask)
		})
		return true
	}
	if running != nil {
		return running.cancel()
	}
	return false
}

// TaskState returns the state of the task identified by taskID, or
// TaskInvalid.
func (r *Registry) TaskState(taskID string) TaskState {
	state := TaskInvalid
	r.invoke(func() {
		if t := r.findTask(taskID); t != nil {
			state = t.state()
		}
	})
	return state
}

// TaskPackageID returns the package id a task operates on; empty until an
// installation has discovered it, or for unknown tasks.
func (r *Registry) TaskPackageID(taskID string) string {
	id := ""
	r.invoke(func() {
		if t := r.findTask(taskID); t != nil {
			id = t.packageID()
		}
	})
	return id
}

// ActiveTaskIDs lists all queued, executing and installing task ids.
func (r *Registry) ActiveTaskIDs() []string {
	var out []string
	r.invoke(func() {
		for _, t := range r.allTasks() {
			out = append(out, t.id())
		}
	})
	return out
}

// Packages returns snapshots of all registered packages.
func (r *Registry) Packages() []*PackageSnapshot {
	var out []*PackageSnapshot
	r.invoke(func() {
		out = make([]*PackageSnapshot, 0, len(r.packages))
		for _, p := range r.packages {
			out = append(out, p.snapshot())
		}
	})
	return out
}

// Package returns the snapshot of one package, or nil if the id is unknown.
func (r *Registry) Package(id string) *PackageSnapshot {
	var snap *PackageSnapshot
	r.invoke(func() {
		if p, ok := r.byID[id]; ok {
			snap = p.snapshot()
		}
	})
	return snap
}

// ApplicationPackageID returns the id of the package that registered the
// given application id, or an empty string.
func (r *Registry) ApplicationPackageID(applicationID string) string {
	id := ""
	r.invoke(func() {
		id = r.applications[applicationID]
	})
	return id
}

// IntentPackageID returns the id of the package that registered the given
// intent id, or an empty string.
func (r *Registry) IntentPackageID(intentID string) string {
	id := ""
	r.invoke(func() {
		id = r.intents[intentID]
	})
	return id
}

// InstalledPackageSize returns the bytes the installed package occupies, or
// -1 if the id is unknown or the package is not installed.
func (r *Registry) InstalledPackageSize(id string) int64 {
	size := int64(-1)
	r.invoke(func() {
		if p, ok := r.byID[id]; ok {
			if rpt := p.info().InstallationReport; rpt != nil {
				size = int64(rpt.DiskSpaceUsed)
			}
		}
	})
	return size
}

// InstalledPackageExtraMetaData returns the free-form metadata of the
// package header, or nil.
func (r *Registry) InstalledPackageExtraMetaData(id string) map[string]any {
	var md map[string]any
	r.invoke(func() {
		if p, ok := r.byID[id]; ok {
			if rpt := p.info().InstallationReport; rpt != nil {
				md = rpt.ExtraMetaData
			}
		}
	})
	return md
}

// InstalledPackageExtraSignedMetaData returns the digest-covered metadata
// of the package header, or nil.
func (r *Registry) InstalledPackageExtraSignedMetaData(id string) map[string]any {
	var md map[string]any
	r.invoke(func() {
		if p, ok := r.byID[id]; ok {
			if rpt := p.info().InstallationReport; rpt != nil {
				md = rpt.ExtraSignedMetaData
			}
		}
	})
	return md
}

// CompareVersions compares two package version strings, returning -1, 0
// or 1.
func (r *Registry) CompareVersions(version1, version2 string) int {
	return ids.CompareVersions(version1, version2)
}

// ValidateDNSName reports whether name is a valid reverse-DNS name with at
// least minimalPartCount labels.
func (r *Registry) ValidateDNSName(name string, minimalPartCount int) bool {
	return ids.IsValidDNSName(name, minimalPartCount)
}

// ----------------------------------------------------------------------
// helpers

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func fileReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
