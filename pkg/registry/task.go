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
	"sync"

	"github.com/google/uuid"
)

// TaskState describes where a task is in its lifecycle. Tasks move forward
// monotonically, except that Failed is reachable from every non-terminal
// state.
type TaskState int

const (
	// TaskInvalid is returned for unknown task ids.
	TaskInvalid TaskState = iota

	// TaskQueued: the task waits in the incoming queue.
	TaskQueued

	// TaskExecuting: the task runs its pre-acknowledge phase.
	TaskExecuting

	// TaskAwaitingAcknowledge: an installation waits for the acknowledge
	// decision.
	TaskAwaitingAcknowledge

	// TaskInstalling: an installation runs its commit phase.
	TaskInstalling

	// TaskCleaningUp: the task is past its point of no return.
	TaskCleaningUp

	// TaskFinished: terminal success.
	TaskFinished

	// TaskFailed: terminal failure.
	TaskFailed
)

// String returns the stable state name.
func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "Queued"
	case TaskExecuting:
		return "Executing"
	case TaskAwaitingAcknowledge:
		return "AwaitingAcknowledge"
	case TaskInstalling:
		return "Installing"
	case TaskCleaningUp:
		return "CleaningUp"
	case TaskFinished:
		return "Finished"
	case TaskFailed:
		return "Failed"
	default:
		return "Invalid"
	}
}

// task is the queue discipline's view of an asynchronous operation. The
// registry creates tasks, drives start, and consumes their terminal state;
// the work itself runs on the task's own goroutine.
type task interface {
	// id returns the opaque unique task id.
	id() string

	// packageID returns the package this task operates on. It may be
	// empty until discovered during execution.
	packageID() string

	// state returns the current task state.
	state() TaskState

	// setState advances the state and notifies the registry.
	setState(TaskState)

	// progress returns the last reported progress.
	progress() float64

	// start launches the task's goroutine. It is idempotent.
	start()

	// cancel asks the task to stop. The return value reports whether the
	// task may still fail with Canceled (false once past the point of no
	// return).
	cancel() bool

	// forceCancel marks a never-started task as canceled.
	forceCancel()

	// hasFailed reports whether an error was recorded.
	hasFailed() bool

	// err returns the recorded failure, or nil.
	err() *Error
}

// stateFunc is installed by the registry to observe task state changes.
type stateFunc func(t task, state TaskState)

// progressFunc is installed by the registry to observe task progress.
type progressFunc func(t task, progress float64)

// baseTask carries the bookkeeping shared by the installation and
// deinstallation tasks.
type baseTask struct {
	taskID string

	mu         sync.Mutex
	pkgID      string
	taskState  TaskState
	taskProg   float64
	taskErr    *Error
	started    bool
	onState    stateFunc
	onProgress progressFunc
	self       task // the embedding task, for callbacks
	run        func()
	done       func()
}

func newBaseTask() baseTask {
	return baseTask{
		taskID:    uuid.NewString(),
		taskState: TaskQueued,
	}
}

func (b *baseTask) id() string {
	return b.taskID
}

func (b *baseTask) packageID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pkgID
}

func (b *baseTask) setPackageID(id string) {
	b.mu.Lock()
	b.pkgID = id
	b.mu.Unlock()
}

func (b *baseTask) state() TaskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taskState
}

func (b *baseTask) setState(state TaskState) {
	b.mu.Lock()
	if b.taskState == state {
		b.mu.Unlock()
		return
	}
	b.taskState = state
	cb := b.onState
	self := b.self
	b.mu.Unlock()

	if cb != nil && self != nil {
		cb(self, state)
	}
}

func (b *baseTask) progress() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taskProg
}

func (b *baseTask) setProgress(p float64) {
	b.mu.Lock()
	b.taskProg = p
	cb := b.onProgress
	self := b.self
	b.mu.Unlock()

	if cb != nil && self != nil {
		cb(self, p)
	}
}

// setError records the first failure; later calls are ignored.
func (b *baseTask) setError(e *Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.taskErr == nil {
		b.taskErr = e
	}
}

func (b *baseTask) hasFailed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taskErr != nil
}

func (b *baseTask) err() *Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.taskErr
}

// connect wires the task to the registry's observers. Must be called before
// start.
func (b *baseTask) connect(self task, onState stateFunc, onProgress progressFunc, run, done func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.self = self
	b.onState = onState
	b.onProgress = onProgress
	b.run = run
	b.done = done
}

// start launches the task goroutine exactly once.
func (b *baseTask) start() {
	b.mu.Lock()
	if b.started || b.run == nil {
		b.mu.Unlock()
		return
	}
	b.started = true
	run, done := b.run, b.done
	b.mu.Unlock()

	go func() {
		run()
		if done != nil {
			done()
		}
	}()
}

// forceCancel marks a task that never ran as canceled.
func (b *baseTask) forceCancel() {
	b.setError(newError(KindCanceled, "canceled"))
}
