//go:build integration

// Integration tests loading provider bundles from a MinIO server started
// with testcontainers-go.
//
//	go test -v -race -tags=integration ./pkg/grant/bundle/...
package bundle_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/StricklySoft/jwt-bearer-grant/internal/testutil/containers"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/clients/minio"
	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant/bundle"
)

const bucket = "grant-bundles"

type BundleIntegrationSuite struct {
	suite.Suite

	ctx         context.Context
	minioResult *containers.MinIOResult
	client      *minio.Client
}

func (s *BundleIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	result, err := containers.StartMinIO(s.ctx)
	require.NoError(s.T(), err, "failed to start MinIO container")
	s.minioResult = result

	client, err := minio.NewClient(s.ctx, minio.Config{
		Endpoint:  result.Endpoint,
		AccessKey: result.AccessKey,
		SecretKey: minio.Secret(result.SecretKey),
	})
	require.NoError(s.T(), err, "failed to create MinIO client")
	s.client = client
}

func (s *BundleIntegrationSuite) TearDownSuite() {
	if s.minioResult != nil {
		if err := s.minioResult.Container.Terminate(s.ctx); err != nil {
			s.T().Logf("failed to terminate minio container: %v", err)
		}
	}
}

func TestBundleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(BundleIntegrationSuite))
}

func (s *BundleIntegrationSuite) TestLoadObject() {
	doc := "providers:\n  - name: https://idp.partner.test\n    tenant: acme.com\n    alias: aud\n"
	etag, err := s.client.WriteObject(s.ctx, bucket, "acme/providers.yaml", []byte(doc), "application/yaml")
	require.NoError(s.T(), err)

	reg, gotETag, err := bundle.LoadObject(s.ctx, s.client, bucket, "acme/providers.yaml")
	require.NoError(s.T(), err)
	s.Equal(etag, gotETag)

	p, err := reg.ProviderByName(s.ctx, "https://idp.partner.test", "acme.com")
	require.NoError(s.T(), err)
	s.Equal("aud", p.Alias)
}

func (s *BundleIntegrationSuite) TestLoadObject_Missing() {
	_, err := s.client.WriteObject(s.ctx, bucket, "placeholder.yaml", []byte("{}"), "application/yaml")
	require.NoError(s.T(), err)

	_, _, err = bundle.LoadObject(s.ctx, s.client, bucket, "absent.yaml")
	s.True(sserr.IsNotFound(err), "got %v", err)
}

func (s *BundleIntegrationSuite) TestLoadObject_TooLarge() {
	big := "#" + strings.Repeat("x", bundle.MaxSize)
	_, err := s.client.WriteObject(s.ctx, bucket, "big.yaml", []byte(big), "application/yaml")
	require.NoError(s.T(), err)

	_, _, err = bundle.LoadObject(s.ctx, s.client, bucket, "big.yaml")
	s.True(sserr.HasCode(err, sserr.CodeValidationRange), "got %v", err)
}

func (s *BundleIntegrationSuite) TestPublishAndRefresh() {
	b, err := bundle.Parse([]byte("providers:\n  - name: https://idp.partner.test\n    tenant: acme.com\n    alias: aud\n"))
	require.NoError(s.T(), err)
	etag, err := bundle.Publish(s.ctx, s.client, bucket, "refresh/providers.yaml", b)
	require.NoError(s.T(), err)

	r := bundle.NewRefresher(s.client, bucket, "refresh/providers.yaml", nil)
	changed, err := r.Refresh(s.ctx)
	require.NoError(s.T(), err)
	s.True(changed)
	s.Equal(etag, r.ETag())

	changed, err = r.Refresh(s.ctx)
	require.NoError(s.T(), err)
	s.False(changed)

	b.Providers = append(b.Providers, grant.ProviderRecord{Name: "https://second.test", TenantDomain: "acme.com", Alias: "aud"})
	_, err = bundle.Publish(s.ctx, s.client, bucket, "refresh/providers.yaml", b)
	require.NoError(s.T(), err)

	changed, err = r.Refresh(s.ctx)
	require.NoError(s.T(), err)
	s.True(changed)
	s.Equal(2, r.Registry().Len())
}
