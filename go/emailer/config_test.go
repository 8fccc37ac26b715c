package emailer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.skia.org/autophone/go/testutils/unittest"
)

func writeMailCfg(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "email.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestFromConfigFile(t *testing.T) {
	unittest.SmallTest(t)

	em, err := FromConfigFile(writeMailCfg(t, `[report]
from = autophone@example.com

[email]
dest = oncall@example.com, dev@example.com
server = smtp.example.com
port = 587
username = mailer
password = hunter2
`))
	require.NoError(t, err)
	require.True(t, em.Configured())
	require.Equal(t, "autophone@example.com", em.from)
	require.Equal(t, []string{"oncall@example.com", "dev@example.com"}, em.to)
	require.Equal(t, "smtp.example.com", em.server)
	require.Equal(t, 587, em.port)
	require.Equal(t, "mailer", em.username)
	require.Equal(t, "hunter2", em.password)
}

func TestFromConfigFile_Defaults(t *testing.T) {
	unittest.SmallTest(t)

	em, err := FromConfigFile(writeMailCfg(t, `[report]
from = autophone@example.com

[email]
dest = oncall@example.com
`))
	require.NoError(t, err)
	require.Equal(t, defaultServer, em.server)
	require.Equal(t, defaultPort, em.port)
	require.Empty(t, em.username)
}

func TestFromConfigFile_EmptyPathIsNoop(t *testing.T) {
	unittest.SmallTest(t)

	em, err := FromConfigFile("")
	require.NoError(t, err)
	require.False(t, em.Configured())
}

func TestFromConfigFile_Invalid(t *testing.T) {
	unittest.SmallTest(t)

	// Missing sender.
	_, err := FromConfigFile(writeMailCfg(t, "[email]\ndest = oncall@example.com\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "from address")

	// Missing recipients.
	_, err = FromConfigFile(writeMailCfg(t, "[report]\nfrom = autophone@example.com\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "dest addresses")

	// Unreadable file.
	_, err = FromConfigFile(filepath.Join(t.TempDir(), "missing.ini"))
	require.Error(t, err)
}
