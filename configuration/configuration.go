// Package configuration loads and validates the registry configuration,
// provided as a YAML document with environment variable overrides for the
// common scalar settings.
package configuration

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxManifestSize is the manifest payload cap applied when the
	// configuration does not provide one.
	defaultMaxManifestSize = 4 * 1024 * 1024 // 4 MiB

	// defaultMaxBlobUploadChunkSize is the per-request blob chunk cap
	// applied when the configuration does not provide one.
	defaultMaxBlobUploadChunkSize = 10 * 1024 * 1024 // 10 MiB
)

// Configuration is a versioned registry configuration, intended to be
// provided by a yaml file, and optionally modified by environment variables.
type Configuration struct {
	// Version is the version which defines the format of the rest of the
	// configuration.
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log struct {
		// Level is the granularity at which registry operations are logged.
		Level string `yaml:"level,omitempty"`

		// Formatter overrides the default formatter with another. Options
		// include "text" and "json".
		Formatter string `yaml:"formatter,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]interface{} `yaml:"fields,omitempty"`
	} `yaml:"log"`

	// Storage is the configuration for the registry's storage driver.
	Storage Storage `yaml:"storage"`

	// Auth allows configuration of various authorization methods that may be
	// used to gate requests.
	Auth Auth `yaml:"auth,omitempty"`

	// Realm is the authentication realm presented in challenges when an
	// auth backend does not configure its own.
	Realm string `yaml:"realm,omitempty"`

	// HTTP contains configuration parameters for the registry's http
	// interface.
	HTTP struct {
		// Addr specifies the bind address for the registry instance.
		Addr string `yaml:"addr,omitempty"`

		// Prefix specifies a URL path prefix for the registry API.
		Prefix string `yaml:"prefix,omitempty"`

		// RelativeURLs specifies that relative URLs should be returned in
		// Location headers.
		RelativeURLs bool `yaml:"relativeurls,omitempty"`

		// Debug configures the http debug interface, if specified. This can
		// include services such as pprof and the prometheus metrics
		// endpoint.
		Debug struct {
			// Addr specifies the bind address for the debug server.
			Addr string `yaml:"addr,omitempty"`
		} `yaml:"debug,omitempty"`
	} `yaml:"http,omitempty"`

	// MaxManifestSize bounds the size of manifest payloads, in bytes.
	MaxManifestSize int64 `yaml:"max_manifest_size,omitempty"`

	// MaxBlobUploadChunkSize bounds the per-request blob upload body, in
	// bytes.
	MaxBlobUploadChunkSize int64 `yaml:"max_blob_upload_chunk_size,omitempty"`

	// EnableBlobDeletion permits deletion of blobs through the API. When
	// false, blob DELETE requests are answered with UNSUPPORTED.
	EnableBlobDeletion bool `yaml:"enable_blob_deletion,omitempty"`

	// EnableManifestDeletion permits deletion of manifests through the API.
	// When false, manifest DELETE requests are answered with UNSUPPORTED.
	EnableManifestDeletion bool `yaml:"enable_manifest_deletion,omitempty"`

	// RepositoryNamePattern overrides the default repository name grammar.
	// The pattern is applied anchored to each repository name.
	RepositoryNamePattern string `yaml:"repo_name_pattern,omitempty"`

	// PingAuth requires authentication on the version check endpoint when
	// set. By default the endpoint is open.
	PingAuth bool `yaml:"ping_auth,omitempty"`
}

// MaxManifestBytes returns the configured manifest size cap, applying the
// default when unset.
func (config *Configuration) MaxManifestBytes() int64 {
	if config.MaxManifestSize > 0 {
		return config.MaxManifestSize
	}
	return defaultMaxManifestSize
}

// MaxBlobUploadChunkBytes returns the configured chunk size cap, applying
// the default when unset.
func (config *Configuration) MaxBlobUploadChunkBytes() int64 {
	if config.MaxBlobUploadChunkSize > 0 {
		return config.MaxBlobUploadChunkSize
	}
	return defaultMaxBlobUploadChunkSize
}

// RepositoryNameRegexp compiles the configured repository name pattern,
// anchored. An empty pattern returns nil, selecting the default grammar.
func (config *Configuration) RepositoryNameRegexp() (*regexp.Regexp, error) {
	if config.RepositoryNamePattern == "" {
		return nil, nil
	}

	return regexp.Compile(`^(?:` + config.RepositoryNamePattern + `)$`)
}

// Version is a major/minor version pair of the form Major.Minor
// Major version upgrades indicate structure or type changes
// Minor version upgrades should be strictly additive
type Version string

// MajorMinorVersion constructs a Version from its Major and Minor components
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

func (version Version) major() (uint, error) {
	majorPart, _, _ := strings.Cut(string(version), ".")
	major, err := strconv.ParseUint(majorPart, 10, 0)
	return uint(major), err
}

// Major returns the major version portion of a Version
func (version Version) Major() uint {
	major, _ := version.major()
	return major
}

func (version Version) minor() (uint, error) {
	_, minorPart, _ := strings.Cut(string(version), ".")
	minor, err := strconv.ParseUint(minorPart, 10, 0)
	return uint(minor), err
}

// Minor returns the minor version portion of a Version
func (version Version) Minor() uint {
	minor, _ := version.minor()
	return minor
}

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Parameters defines a key-value parameters mapping
type Parameters map[string]interface{}

// Storage defines the configuration for registry object storage
type Storage map[string]Parameters

// Type returns the storage driver type, such as filesystem or s3
func (storage Storage) Type() string {
	var storageType []string

	// Return only key in this map
	for k := range storage {
		switch k {
		case "maintenance":
			// allow configuration of maintenance
		case "delete":
			// allow configuration of delete
		default:
			storageType = append(storageType, k)
		}
	}
	if len(storageType) > 1 {
		panic("multiple storage drivers specified in configuration or environment: " + strings.Join(storageType, ", "))
	}
	if len(storageType) == 1 {
		return storageType[0]
	}
	return ""
}

// Parameters returns the Parameters map for a Storage configuration
func (storage Storage) Parameters() Parameters {
	return storage[storage.Type()]
}

// Setting defines a key/value pair within a storage section, such as
// maintenance options.
func (storage Storage) Setting(section string) Parameters {
	return storage[section]
}

// setParameter changes the parameter at the provided key to the new value
func (storage Storage) setParameter(key string, value interface{}) {
	storage[storage.Type()][key] = value
}

// Auth defines the configuration for registry authorization.
type Auth map[string]Parameters

// Type returns the auth type, such as htpasswd or token
func (auth Auth) Type() string {
	// Return only key in this map
	for k := range auth {
		return k
	}
	return ""
}

// Parameters returns the Parameters map for an Auth configuration
func (auth Auth) Parameters() Parameters {
	return auth[auth.Type()]
}

// setParameter changes the parameter at the provided key to the new value
func (auth Auth) setParameter(key string, value interface{}) {
	auth[auth.Type()][key] = value
}

// Parse parses an input configuration yaml document into a Configuration
// struct.
//
// Environment variables may be used to override configuration parameters,
// following the scheme below:
//
//	REGISTRY_LOG_LEVEL=debug
//	REGISTRY_HTTP_ADDR=:5000
//	REGISTRY_HTTP_DEBUG_ADDR=:5001
//	REGISTRY_REALM=myrealm
//	REGISTRY_MAX_MANIFEST_SIZE=4194304
//	REGISTRY_MAX_BLOB_UPLOAD_CHUNK_SIZE=10485760
//	REGISTRY_ENABLE_BLOB_DELETION=true
//	REGISTRY_ENABLE_MANIFEST_DELETION=true
//	REGISTRY_REPO_NAME_PATTERN=<regexp>
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := new(Configuration)
	if err := yaml.Unmarshal(in, config); err != nil {
		return nil, err
	}

	if config.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported configuration version %q, expected %q", config.Version, CurrentVersion)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if config.Storage.Type() == "" {
		return nil, fmt.Errorf("no storage configuration provided")
	}

	if _, err := config.RepositoryNameRegexp(); err != nil {
		return nil, fmt.Errorf("invalid repo_name_pattern: %w", err)
	}

	return config, nil
}

// applyEnvOverrides overwrites scalar configuration fields from the process
// environment.
func applyEnvOverrides(config *Configuration) error {
	if v, ok := os.LookupEnv("REGISTRY_LOG_LEVEL"); ok {
		config.Log.Level = v
	}
	if v, ok := os.LookupEnv("REGISTRY_LOG_FORMATTER"); ok {
		config.Log.Formatter = v
	}
	if v, ok := os.LookupEnv("REGISTRY_HTTP_ADDR"); ok {
		config.HTTP.Addr = v
	}
	if v, ok := os.LookupEnv("REGISTRY_HTTP_PREFIX"); ok {
		config.HTTP.Prefix = v
	}
	if v, ok := os.LookupEnv("REGISTRY_HTTP_DEBUG_ADDR"); ok {
		config.HTTP.Debug.Addr = v
	}
	if v, ok := os.LookupEnv("REGISTRY_REALM"); ok {
		config.Realm = v
	}
	if v, ok := os.LookupEnv("REGISTRY_REPO_NAME_PATTERN"); ok {
		config.RepositoryNamePattern = v
	}

	for _, override := range []struct {
		name   string
		target *int64
	}{
		{"REGISTRY_MAX_MANIFEST_SIZE", &config.MaxManifestSize},
		{"REGISTRY_MAX_BLOB_UPLOAD_CHUNK_SIZE", &config.MaxBlobUploadChunkSize},
	} {
		if v, ok := os.LookupEnv(override.name); ok {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", override.name, err)
			}
			*override.target = parsed
		}
	}

	for _, override := range []struct {
		name   string
		target *bool
	}{
		{"REGISTRY_ENABLE_BLOB_DELETION", &config.EnableBlobDeletion},
		{"REGISTRY_ENABLE_MANIFEST_DELETION", &config.EnableManifestDeletion},
	} {
		if v, ok := os.LookupEnv(override.name); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", override.name, err)
			}
			*override.target = parsed
		}
	}

	return nil
}
