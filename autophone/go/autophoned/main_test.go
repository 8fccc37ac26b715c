package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/autophone/go/testutils/unittest"
)

func TestWorkerLogfile(t *testing.T) {
	unittest.SmallTest(t)

	require.Equal(t, "autophone-nexus-s-1.log", workerLogfile("autophone.log", "nexus-s-1"))
	require.Equal(t, "/var/log/ap-nexus-4-2.log", workerLogfile("/var/log/ap.log", "nexus-4-2"))
	require.Equal(t, "autophone-nexus-s-1", workerLogfile("autophone", "nexus-s-1"))
	require.Equal(t, "", workerLogfile("", "nexus-s-1"))
}
