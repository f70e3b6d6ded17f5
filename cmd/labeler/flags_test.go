package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requiredFlag(t *testing.T, cmd *cobra.Command, name string) bool {
	t.Helper()

	f := cmd.Flags().Lookup(name)
	require.NotNil(t, f, "flag --%s", name)
	_, ok := f.Annotations[cobra.BashCompOneRequiredFlag]
	return ok
}

func TestImportFlags(t *testing.T) {
	assert.True(t, requiredFlag(t, importCmd, "batch"))
	assert.True(t, requiredFlag(t, importCmd, "labels"))
	assert.False(t, requiredFlag(t, importCmd, "replace"))
	assert.Error(t, importCmd.Args(importCmd, []string{"labels.json"}), "labels file is a flag, not an argument")
}

func TestExportFlags(t *testing.T) {
	assert.True(t, requiredFlag(t, exportCmd, "batch"))
	assert.False(t, requiredFlag(t, exportCmd, "output-dir"))
	assert.Equal(t, ".", exportCmd.Flags().Lookup("output-dir").DefValue)
	assert.Nil(t, exportCmd.Flags().Lookup("out"))
}
