// Copyright 2022 Kestrel DB
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

package moerr

import (
	"errors"
	"fmt"
)

const (
	// 0 is OK, special handled, no alloc.
	Ok uint16 = 0

	// Group 1: internal errors
	ErrStart       uint16 = 20100
	ErrInternal    uint16 = 20101
	ErrOOM         uint16 = 20102
	ErrUnreachable uint16 = 20103

	// Group 2: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301

	// Group 3: unexpected state and io errors
	ErrInvalidState     uint16 = 20400
	ErrFileNotFound     uint16 = 20401
	ErrKeyAlreadyExists uint16 = 20402
	ErrIO               uint16 = 20403

	// Group 4: flow control
	ErrTryAgain uint16 = 20500
)

type Error struct {
	code  uint16
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
	}
	return e.msg
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches on error code so that errors.Is works across distinct
// instances carrying the same code.
func (e *Error) Is(target error) bool {
	me, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == me.code
}

func newError(code uint16, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// IsMoErrCode reports whether err is a moerr with the given code.
func IsMoErrCode(err error, code uint16) bool {
	if err == nil {
		return code == Ok
	}
	var me *Error
	if !errors.As(err, &me) {
		return false
	}
	return me.code == code
}

func NewInternalError(msg string, args ...any) *Error {
	return newError(ErrInternal, fmt.Sprintf(msg, args...))
}

func NewOOM() *Error {
	return newError(ErrOOM, "out of memory")
}

func NewUnreachable(msg string, args ...any) *Error {
	return newError(ErrUnreachable, fmt.Sprintf(msg, args...))
}

func NewBadConfig(msg string, args ...any) *Error {
	return newError(ErrBadConfig, fmt.Sprintf(msg, args...))
}

func NewInvalidInput(msg string, args ...any) *Error {
	return newError(ErrInvalidInput, fmt.Sprintf(msg, args...))
}

func NewInvalidState(msg string, args ...any) *Error {
	return newError(ErrInvalidState, fmt.Sprintf(msg, args...))
}

func NewFileNotFound(f string) *Error {
	return newError(ErrFileNotFound, fmt.Sprintf("file %s is not found", f))
}

func NewKeyAlreadyExists() *Error {
	return newError(ErrKeyAlreadyExists, "key already exists")
}

// NewIOError wraps an io failure from the OS or an upper-layer callback.
func NewIOError(cause error, msg string, args ...any) *Error {
	return &Error{code: ErrIO, msg: fmt.Sprintf(msg, args...), cause: cause}
}

// GetTryAgain returns the shared try-again sentinel. It is returned on
// hot retry paths, so there is one static instance and no alloc; test
// it with errors.Is or IsMoErrCode.
var errTryAgain = Error{code: ErrTryAgain, msg: "try again"}

func GetTryAgain() *Error {
	return &errTryAgain
}
