// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodebooks/kernel/internal/protocol"
)

func TestMemoryNotebookStore(t *testing.T) {
	store := NewMemoryNotebookStore()
	_, err := store.Env(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	want := protocol.NotebookEnv{Runtime: protocol.RuntimeNode, LanguageVersion: "20"}
	store.Put("nb-1", want)

	got, err := store.Env(context.Background(), "nb-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAllowAllAuthChecker(t *testing.T) {
	ok, err := AllowAllAuthChecker{}.CanAttach(context.Background(), "user-1", "nb-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
