package config

import (
	"context"
	"fmt"
	"path/filepath"

	"cloud.google.com/go/firestore"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-github/v59/github"
	"github.com/kelseyhightower/envconfig"
	"github.com/zaproxy/release-sync/internal/publish"
	"github.com/zaproxy/release-sync/internal/releasestate"
	"github.com/zaproxy/release-sync/internal/targets"
)

const (
	SnapshotBackendFile      = "file"
	SnapshotBackendS3        = "s3"
	SnapshotBackendFirestore = "firestore"
)

type Config struct {
	Stage       string `envconfig:"STAGE" default:"dev"`
	ProjectID   string `envconfig:"GOOGLE_CLOUD_PROJECT_ID" default:"zaproxy"`
	Port        string `envconfig:"PORT" default:"8080"`
	BindAddress string `envconfig:"BIND_ADDRESS"`

	GitHubToken      string `envconfig:"GITHUB_TOKEN"`
	GitHubUser       string `envconfig:"GITHUB_USER" default:"zapbot"`
	GitHubEmail      string `envconfig:"GITHUB_EMAIL" default:"12345678+zapbot@users.noreply.github.com"`
	GitHubMaxRetries int    `envconfig:"GITHUB_MAX_RETRIES" default:"5"`
	// UseFork pushes branches to the repositories of GITHUB_USER.
	UseFork bool `envconfig:"USE_FORK" default:"true"`

	AdminAccessToken string `envconfig:"ADMIN_ACCESS_TOKEN"`

	// DataDir is the checkout of the repository holding the descriptors.
	DataDir            string `envconfig:"DATA_DIR" default:"."`
	MainDescriptor     string `envconfig:"MAIN_DESCRIPTOR" default:"ZapVersions-2.16.xml"`
	NoAddOnsDescriptor string `envconfig:"NO_ADD_ONS_DESCRIPTOR" default:"ZapVersions.xml"`
	AddOnsDescriptor   string `envconfig:"ADD_ONS_DESCRIPTOR" default:"ZapVersions-dev.xml"`
	// Revisions selects how source revisions are read, "git" or "github".
	Revisions string `envconfig:"REVISIONS" default:"git"`

	SnapshotBackend     string `envconfig:"SNAPSHOT_BACKEND" default:"file"`
	SnapshotFile        string `envconfig:"SNAPSHOT_FILE" default:"release-state.json"`
	SnapshotKey         string `envconfig:"SNAPSHOT_KEY" default:"release-state.json"`
	FirestoreCollection string `envconfig:"FIRESTORE_COLLECTION" default:"release-state"`

	CloudflareR2Bucket          string `envconfig:"CLOUDFLARE_R2_BUCKET"`
	CloudflareR2AccessKeyID     string `envconfig:"CLOUDFLARE_R2_ACCESS_KEY_ID"`
	CloudflareR2SecretAccessKey string `envconfig:"CLOUDFLARE_R2_SECRET_ACCESS_KEY"`
	CloudflareAccountID         string `envconfig:"CLOUDFLARE_ACCOUNT_ID"`

	MaxParallel         int  `envconfig:"MAX_PARALLEL" default:"4"`
	DisableRequestCache bool `envconfig:"DISABLE_REQUEST_CACHE"`
	DisableMetrics      bool `envconfig:"DISABLE_METRICS" default:"true"`
	Version             string
}

func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) GetServerAddr() string {
	return c.BindAddress + ":" + c.Port
}

func (c *Config) CreateGitHubClient() (*github.Client, error) {
	return publish.NewGitHubClient(c.GitHubToken, c.GitHubMaxRetries)
}

func (c *Config) Identity() publish.Identity {
	return publish.Identity{Name: c.GitHubUser, Email: c.GitHubEmail}
}

func (c *Config) r2CloudflareEndpointResolver(_, _ string, _ ...interface{}) (aws.Endpoint, error) {
	return aws.Endpoint{
		URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.CloudflareAccountID),
	}, nil
}

func (c *Config) CreateS3Client() (*s3.Client, error) {
	if c.CloudflareR2Bucket == "" || c.CloudflareR2AccessKeyID == "" || c.CloudflareR2SecretAccessKey == "" || c.CloudflareAccountID == "" {
		return nil, fmt.Errorf("the %s snapshot backend requires the CLOUDFLARE_R2_* settings", SnapshotBackendS3)
	}
	staticCredentialsProvider := credentials.NewStaticCredentialsProvider(
		c.CloudflareR2AccessKeyID,
		c.CloudflareR2SecretAccessKey,
		"",
	)
	s3Cfg, err := awsConfig.LoadDefaultConfig(context.TODO(),
		awsConfig.WithRegion("auto"),
		awsConfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(c.r2CloudflareEndpointResolver)),
		awsConfig.WithCredentialsProvider(staticCredentialsProvider),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(s3Cfg), nil
}

// CreateSnapshotStore returns the configured snapshot store and a function
// releasing its resources.
func (c *Config) CreateSnapshotStore(ctx context.Context) (releasestate.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.SnapshotBackend {
	case SnapshotBackendFile:
		return &releasestate.FileStore{Path: c.Path(c.SnapshotFile)}, noop, nil
	case SnapshotBackendS3:
		client, err := c.CreateS3Client()
		if err != nil {
			return nil, nil, err
		}
		return &releasestate.S3Store{Client: client, Bucket: c.CloudflareR2Bucket, Key: c.SnapshotKey}, noop, nil
	case SnapshotBackendFirestore:
		db, err := firestore.NewClient(ctx, c.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		return &releasestate.FirestoreStore{Client: db, Collection: c.FirestoreCollection, Document: c.Stage}, db.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown snapshot backend %q", c.SnapshotBackend)
}

func (c *Config) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

// Descriptors are the local paths of the channel files.
type Descriptors struct {
	Main     string
	NoAddOns string
	AddOns   string
}

func (c *Config) Descriptors() Descriptors {
	return Descriptors{
		Main:     c.Path(c.MainDescriptor),
		NoAddOns: c.Path(c.NoAddOnsDescriptor),
		AddOns:   c.Path(c.AddOnsDescriptor),
	}
}

// TargetSettings combines the static downstream table with the environment.
func (c *Config) TargetSettings() targets.Settings {
	s := Targets
	s.WebsiteData.VersionFiles = append([]string(nil), Targets.WebsiteData.VersionFiles...)
	s.Identity = c.Identity()
	if c.UseFork {
		s.ForkOwner = c.GitHubUser
	}
	return s
}
