package minio

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, reader, objectSize, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func (m *mockObjectStore) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	obj, _ := args.Get(0).(*minio.Object)
	return obj, args.Error(1)
}

func (m *mockObjectStore) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Get(0).(minio.ObjectInfo), args.Error(1)
}

func (m *mockObjectStore) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *mockObjectStore) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return m.Called(ctx, bucketName, opts).Error(0)
}

func TestNewFromStore(t *testing.T) {
	t.Parallel()
	store := &mockObjectStore{}
	c := NewFromStore(store, nil)
	require.NotNil(t, c.config)
	assert.Same(t, store, c.Store())
}

func TestClient_ReadObject_GetError(t *testing.T) {
	t.Parallel()
	store := &mockObjectStore{}
	store.On("GetObject", mock.Anything, "bundles", "idp.yaml", mock.Anything).
		Return(nil, minio.ErrorResponse{Code: "NoSuchBucket", Message: "missing"})

	_, _, err := NewFromStore(store, nil).ReadObject(context.Background(), "bundles", "idp.yaml", 1024)
	require.Error(t, err)
	assert.True(t, sserr.IsNotFound(err))
}

func TestClient_ETag(t *testing.T) {
	t.Parallel()
	store := &mockObjectStore{}
	store.On("StatObject", mock.Anything, "bundles", "idp.yaml", mock.Anything).
		Return(minio.ObjectInfo{ETag: "abc123"}, nil).Once()
	store.On("StatObject", mock.Anything, "bundles", "gone.yaml", mock.Anything).
		Return(minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey"}).Once()

	c := NewFromStore(store, nil)
	etag, err := c.ETag(context.Background(), "bundles", "idp.yaml")
	require.NoError(t, err)
	assert.Equal(t, "abc123", etag)

	_, err = c.ETag(context.Background(), "bundles", "gone.yaml")
	assert.Equal(t, sserr.CodeNotFound, sserr.GetCode(err))
}

func TestClient_WriteObject_CreatesBucket(t *testing.T) {
	t.Parallel()
	store := &mockObjectStore{}
	store.On("BucketExists", mock.Anything, "bundles").Return(false, nil)
	store.On("MakeBucket", mock.Anything, "bundles", minio.MakeBucketOptions{Region: "eu-west-1"}).Return(nil)
	store.On("PutObject", mock.Anything, "bundles", "idp.yaml", mock.Anything, int64(5),
		minio.PutObjectOptions{ContentType: "application/yaml"}).
		Return(minio.UploadInfo{ETag: "e1"}, nil)

	etag, err := NewFromStore(store, &Config{Region: "eu-west-1"}).
		WriteObject(context.Background(), "bundles", "idp.yaml", []byte("a: b\n"), "application/yaml")
	require.NoError(t, err)
	assert.Equal(t, "e1", etag)
	store.AssertExpectations(t)
}

func TestClient_WriteObject_PutFails(t *testing.T) {
	t.Parallel()
	store := &mockObjectStore{}
	store.On("BucketExists", mock.Anything, "bundles").Return(true, nil)
	store.On("PutObject", mock.Anything, "bundles", "idp.yaml", mock.Anything, mock.Anything, mock.Anything).
		Return(minio.UploadInfo{}, context.DeadlineExceeded)

	_, err := NewFromStore(store, nil).WriteObject(context.Background(), "bundles", "idp.yaml", []byte("x"), "")
	assert.Equal(t, sserr.CodeTimeoutDatabase, sserr.GetCode(err))
	store.AssertNotCalled(t, "MakeBucket", mock.Anything, mock.Anything, mock.Anything)
}

func TestClient_Health(t *testing.T) {
	t.Parallel()
	store := &mockObjectStore{}
	store.On("BucketExists", mock.Anything, "health").Return(false, nil).Once()
	store.On("BucketExists", mock.Anything, "health").Return(false, errors.New("dial tcp: refused")).Once()

	c := NewFromStore(store, &Config{HealthBucket: "health"})
	require.NoError(t, c.Health(context.Background()))
	err := c.Health(context.Background())
	assert.Equal(t, sserr.CodeUnavailableDependency, sserr.GetCode(err))
}

func TestWrapError(t *testing.T) {
	t.Parallel()
	assert.Nil(t, wrapError(nil, "x"))
	assert.Equal(t, sserr.CodeNotFound, wrapError(minio.ErrorResponse{Code: "NoSuchKey"}, "x").Code)
	assert.Equal(t, sserr.CodeTimeoutDatabase, wrapError(context.DeadlineExceeded, "x").Code)
	assert.Equal(t, sserr.CodeInternalDatabase, wrapError(minio.ErrorResponse{Code: "AccessDenied"}, "x").Code)
}
