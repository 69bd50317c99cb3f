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
	"errors"
	"fmt"

	"github.com/kraklabs/pkgd/pkg/pack"
)

// Kind classifies task failures.
type Kind int

const (
	// KindNone means no error.
	KindNone Kind = iota

	// KindCanceled: the user or controller canceled the task before commit.
	KindCanceled

	// KindMalformedPackage: archive layout, manifest, or report violates
	// the contract.
	KindMalformedPackage

	// KindDigestMismatch: the computed digest does not match the footer.
	KindDigestMismatch

	// KindSignatureInvalid: a signature is present but not verifiable
	// under policy.
	KindSignatureInvalid

	// KindUnsignedNotAllowed: the package carries no signature and policy
	// forbids unsigned installs.
	KindUnsignedNotAllowed

	// KindFilesystemError: create/rename/remove failed, including
	// privilege errors.
	KindFilesystemError

	// KindRegistryConflict: duplicate id, double install of the same id,
	// removal of an absent id, downgrade not possible.
	KindRegistryConflict

	// KindNotInstalled: the referenced package is not installed.
	KindNotInstalled

	// KindParse: a manifest or document could not be parsed.
	KindParse

	// KindInternal: invariant violation; should not occur.
	KindInternal
)

// String returns the stable name of the error kind as exposed to callers.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindCanceled:
		return "Canceled"
	case KindMalformedPackage, KindDigestMismatch, KindUnsignedNotAllowed, KindRegistryConflict:
		return "Package"
	case KindSignatureInvalid:
		return "Signature"
	case KindFilesystemError:
		return "IO"
	case KindNotInstalled:
		return "NotInstalled"
	case KindParse:
		return "Parse"
	default:
		return "Internal"
	}
}

// Code returns the numeric error code exposed on task failure.
func (k Kind) Code() int {
	return int(k)
}

// Error is a task failure carrying its kind plus a human readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// taskError coerces any error into an *Error, classifying the sentinel
// errors of the extraction pipeline.
func taskError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	kind := KindInternal
	switch {
	case errors.Is(err, pack.ErrCanceled):
		kind = KindCanceled
	case errors.Is(err, pack.ErrDigestMismatch):
		kind = KindDigestMismatch
	case errors.Is(err, pack.ErrMalformedPackage):
		kind = KindMalformedPackage
	}
	return &Error{Kind: kind, Msg: err.Error()}
}
