// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSlog(t *testing.T) {
	for _, format := range LogFormats {
		require.NoError(t, InitSlog("INFO", format), "format %s", format)
	}
	assert.Error(t, InitSlog("INFO", "yaml"))
	assert.Error(t, InitSlog("LOUD", LogDiscard))
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, InitSlog("INFO", LogDiscard))
	require.NoError(t, SetLogLevel("DEBUG"))
	assert.Equal(t, "DEBUG", LogLevel())
	require.NoError(t, SetLogLevel("warn"))
	assert.Equal(t, "WARN", LogLevel())
	assert.Error(t, SetLogLevel("chatty"))
}
