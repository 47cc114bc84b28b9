package configuration

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var configYamlV0_1 = `
version: 0.1
log:
  level: info
  fields:
    environment: test
storage:
  filesystem:
    rootdirectory: /tmp/testroot
  maintenance:
    uploadpurging:
      enabled: true
auth:
  silly:
    realm: silly
    service: silly
realm: test-realm
http:
  addr: :5000
  debug:
    addr: :5001
max_manifest_size: 8388608
enable_blob_deletion: true
repo_name_pattern: "[a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*"
`

func TestParseSimple(t *testing.T) {
	config, err := Parse(strings.NewReader(configYamlV0_1))
	require.NoError(t, err)

	require.Equal(t, MajorMinorVersion(0, 1), config.Version)
	require.Equal(t, "info", config.Log.Level)
	require.Equal(t, "filesystem", config.Storage.Type())
	require.Equal(t, "/tmp/testroot", config.Storage.Parameters()["rootdirectory"])
	require.Equal(t, "silly", config.Auth.Type())
	require.Equal(t, "silly", config.Auth.Parameters()["realm"])
	require.Equal(t, "test-realm", config.Realm)
	require.Equal(t, ":5000", config.HTTP.Addr)
	require.Equal(t, ":5001", config.HTTP.Debug.Addr)
	require.Equal(t, int64(8388608), config.MaxManifestBytes())
	require.Equal(t, int64(10*1024*1024), config.MaxBlobUploadChunkBytes())
	require.True(t, config.EnableBlobDeletion)
	require.False(t, config.EnableManifestDeletion)

	re, err := config.RepositoryNameRegexp()
	require.NoError(t, err)
	require.NotNil(t, re)
	require.True(t, re.MatchString("library/ubuntu"))
	require.False(t, re.MatchString("UPPER/case"))

	maintenance := config.Storage.Setting("maintenance")
	require.NotNil(t, maintenance)
}

func TestParseDefaults(t *testing.T) {
	config, err := Parse(strings.NewReader(`
version: 0.1
storage:
  inmemory: {}
`))
	require.NoError(t, err)

	require.Equal(t, int64(4*1024*1024), config.MaxManifestBytes())
	require.Equal(t, int64(10*1024*1024), config.MaxBlobUploadChunkBytes())

	re, err := config.RepositoryNameRegexp()
	require.NoError(t, err)
	require.Nil(t, re)
}

func TestParseErrors(t *testing.T) {
	// missing storage
	_, err := Parse(strings.NewReader("version: 0.1\n"))
	require.Error(t, err)

	// bad version
	_, err = Parse(strings.NewReader("version: 99.0\nstorage:\n  inmemory: {}\n"))
	require.Error(t, err)

	// bad name pattern
	_, err = Parse(strings.NewReader("version: 0.1\nstorage:\n  inmemory: {}\nrepo_name_pattern: \"[\"\n"))
	require.Error(t, err)
}

func TestParseEnvOverrides(t *testing.T) {
	os.Setenv("REGISTRY_HTTP_ADDR", ":9999")
	os.Setenv("REGISTRY_ENABLE_MANIFEST_DELETION", "true")
	os.Setenv("REGISTRY_MAX_MANIFEST_SIZE", "1024")
	defer func() {
		os.Unsetenv("REGISTRY_HTTP_ADDR")
		os.Unsetenv("REGISTRY_ENABLE_MANIFEST_DELETION")
		os.Unsetenv("REGISTRY_MAX_MANIFEST_SIZE")
	}()

	config, err := Parse(strings.NewReader(`
version: 0.1
storage:
  inmemory: {}
http:
  addr: :5000
`))
	require.NoError(t, err)

	require.Equal(t, ":9999", config.HTTP.Addr)
	require.True(t, config.EnableManifestDeletion)
	require.Equal(t, int64(1024), config.MaxManifestBytes())
}
