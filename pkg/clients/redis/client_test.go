package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// ===========================================================================
// Helpers
// ===========================================================================

// mockCmdable drives failure paths that miniredis cannot produce.
type mockCmdable struct {
	mock.Mock
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	return m.Called(ctx, key).Get(0).(*redis.StringCmd)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	return m.Called(ctx, key, value, expiration).Get(0).(*redis.StatusCmd)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return m.Called(ctx, keys).Get(0).(*redis.IntCmd)
}

func (m *mockCmdable) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	return m.Called(ctx, keys).Error(0)
}

func (m *mockCmdable) Ping(ctx context.Context) *redis.StatusCmd {
	return m.Called(ctx).Get(0).(*redis.StatusCmd)
}

func (m *mockCmdable) Close() error {
	return m.Called().Error(0)
}

func newMiniClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, nil), mr
}

func withRecorder(c *Client) *tracetest.SpanRecorder {
	rec := tracetest.NewSpanRecorder()
	c.tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer(tracerName)
	return rec
}

// ===========================================================================
// Constructors
// ===========================================================================

func TestNewFromClient_NilConfig(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	c := NewFromClient(m, nil)
	require.NotNil(t, c)
	assert.Same(t, m, c.Client())
	assert.Equal(t, 0, c.dbIndex)
}

func TestNewFromClient_WithConfig(t *testing.T) {
	t.Parallel()
	c := NewFromClient(&mockCmdable{}, &Config{DB: 4})
	assert.Equal(t, 4, c.dbIndex)
}

func TestNewClient_InvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := NewClient(context.Background(), Config{URI: "http://nope"})
	require.Error(t, err)
	assert.Equal(t, sserr.CodeValidation, sserr.GetCode(err))
}

func TestNewClient_Miniredis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	c, err := NewClient(context.Background(), Config{URI: "redis://" + mr.Addr() + "/2"})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 2, c.dbIndex)
	require.NoError(t, c.Health(context.Background()))
}

func TestNewClient_Unreachable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(context.Background(), Config{URI: "redis://" + addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, sserr.CodeUnavailableDependency, sserr.GetCode(err))
}

// ===========================================================================
// Commands
// ===========================================================================

func TestClient_SetGetDel(t *testing.T) {
	t.Parallel()
	c, mr := newMiniClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "jti:abc", "payload", time.Minute))
	val, err := c.Get(ctx, "jti:abc")
	require.NoError(t, err)
	assert.Equal(t, "payload", val)
	assert.Equal(t, time.Minute, mr.TTL("jti:abc"))

	n, err := c.Del(ctx, "jti:abc", "jti:missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_Get_MissingKey(t *testing.T) {
	t.Parallel()
	c, _ := newMiniClient(t)
	rec := withRecorder(c)

	_, err := c.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, IsNil(err))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status().Code, "a miss is not a span error")
}

func TestClient_Set_Error(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	cmd := redis.NewStatusCmd(context.Background())
	cmd.SetErr(errors.New("READONLY"))
	m.On("Set", mock.Anything, "k", "v", time.Second).Return(cmd)

	c := NewFromClient(m, nil)
	rec := withRecorder(c)

	err := c.Set(context.Background(), "k", "v", time.Second)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeInternalDatabase, sserr.GetCode(err))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "redis.Set", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	m.AssertExpectations(t)
}

func TestClient_Get_Timeout(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	cmd := redis.NewStringCmd(context.Background())
	cmd.SetErr(context.DeadlineExceeded)
	m.On("Get", mock.Anything, "k").Return(cmd)

	_, err := NewFromClient(m, nil).Get(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, sserr.CodeTimeoutDatabase, sserr.GetCode(err))
	assert.True(t, sserr.IsRetryable(err))
}

// ===========================================================================
// Watch
// ===========================================================================

func TestClient_Watch_CommitsTransaction(t *testing.T) {
	t.Parallel()
	c, mr := newMiniClient(t)
	ctx := context.Background()

	err := c.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.Get(ctx, "k").Result()
		if !errors.Is(err, redis.Nil) {
			return errors.New("expected empty key")
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, "k", "1", 0)
			return nil
		})
		return err
	}, "k")
	require.NoError(t, err)

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestClient_Watch_DetectsConcurrentWrite(t *testing.T) {
	t.Parallel()
	c, mr := newMiniClient(t)
	ctx := context.Background()

	err := c.Watch(ctx, func(tx *redis.Tx) error {
		if _, err := tx.Get(ctx, "k").Result(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		// Another writer sneaks in between WATCH and EXEC.
		require.NoError(t, mr.Set("k", "other"))
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, "k", "mine", 0)
			return nil
		})
		return err
	}, "k")
	assert.ErrorIs(t, err, redis.TxFailedErr)

	got, _ := mr.Get("k")
	assert.Equal(t, "other", got)
}

func TestClient_Watch_PassesThroughCodedErrors(t *testing.T) {
	t.Parallel()
	c, _ := newMiniClient(t)
	reject := sserr.New(sserr.CodeGrantReplayed, "grant: jti already used")

	err := c.Watch(context.Background(), func(*redis.Tx) error { return reject }, "k")
	assert.Same(t, reject, err)
}

func TestClient_Watch_WrapsOtherErrors(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Watch", mock.Anything, []string{"k"}).Return(errors.New("conn reset"))

	err := NewFromClient(m, nil).Watch(context.Background(), func(*redis.Tx) error { return nil }, "k")
	require.Error(t, err)
	assert.Equal(t, sserr.CodeInternalDatabase, sserr.GetCode(err))
}

// ===========================================================================
// Health and Close
// ===========================================================================

func TestClient_Health_Failure(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	cmd := redis.NewStatusCmd(context.Background())
	cmd.SetErr(errors.New("connection refused"))
	m.On("Ping", mock.Anything).Return(cmd)

	err := NewFromClient(m, nil).Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, sserr.CodeUnavailableDependency, sserr.GetCode(err))
}

func TestClient_Health_AppliesDefaultDeadline(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Ping", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})).Return(redis.NewStatusCmd(context.Background()))

	require.NoError(t, NewFromClient(m, nil).Health(context.Background()))
	m.AssertExpectations(t)
}

func TestClient_Close(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Close").Return(nil)
	require.NoError(t, NewFromClient(m, nil).Close())
	m.AssertExpectations(t)
}

func TestWrapError(t *testing.T) {
	t.Parallel()
	assert.Nil(t, wrapError(nil, "x"))
	assert.Equal(t, sserr.CodeTimeoutDatabase, wrapError(context.DeadlineExceeded, "x").Code)
	assert.Equal(t, sserr.CodeInternalDatabase, wrapError(context.Canceled, "x").Code)
	assert.Equal(t, sserr.CodeInternalDatabase, wrapError(errors.New("boom"), "x").Code)
}
