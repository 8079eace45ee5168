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
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	err := NewKeyAlreadyExists()
	require.Equal(t, ErrKeyAlreadyExists, err.ErrorCode())
	require.True(t, IsMoErrCode(err, ErrKeyAlreadyExists))
	require.False(t, IsMoErrCode(err, ErrTryAgain))
	require.True(t, IsMoErrCode(nil, Ok))
	require.False(t, IsMoErrCode(io.EOF, ErrIO))
}

func TestErrorIs(t *testing.T) {
	require.True(t, errors.Is(GetTryAgain(), GetTryAgain()))
	require.True(t, errors.Is(NewInternalError("a"), NewInternalError("b")),
		"identity is the code, not the message")
	require.False(t, errors.Is(NewInternalError("a"), NewOOM()))

	wrapped := fmt.Errorf("outer: %w", GetTryAgain())
	require.True(t, IsMoErrCode(wrapped, ErrTryAgain))
}

func TestIOErrorWrapping(t *testing.T) {
	err := NewIOError(io.ErrUnexpectedEOF, "read block %d", 7)
	require.True(t, IsMoErrCode(err, ErrIO))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Contains(t, err.Error(), "read block 7")
	require.Contains(t, err.Error(), io.ErrUnexpectedEOF.Error())
}

func TestUnreachable(t *testing.T) {
	err := NewUnreachable("txn %d", 3)
	require.True(t, IsMoErrCode(err, ErrUnreachable))
	require.Equal(t, "txn 3", err.Error())
}
