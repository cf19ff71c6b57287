package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wangjinchao-pacvue/switch-service/pkg/registry/registrytest"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

func TestRegisterRenewDeregister(t *testing.T) {
	srv := registrytest.NewServer(t)
	c := NewClient(srv.Config())
	ctx := context.Background()

	assert.Equal(t, "10.0.0.1:api:4000", c.InstanceID("api", 4000))

	require.NoError(t, c.RegisterInstance(ctx, "api", 4000))
	assert.True(t, srv.Registered("API", "10.0.0.1:api:4000"))

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/eureka/apps/API", calls[0].Path)

	var env InstanceEnvelope
	require.NoError(t, json.Unmarshal(calls[0].Body, &env))
	assert.Equal(t, "API", env.Instance.App)
	assert.Equal(t, "api", env.Instance.VIPAddress)
	assert.Equal(t, FlexInt(4000), env.Instance.Port.Number)
	assert.Equal(t, dataCenterClass, env.Instance.DataCenterInfo.Class)

	require.NoError(t, c.Renew(ctx, "api", 4000))
	assert.Equal(t, "/eureka/apps/API/10.0.0.1:api:4000", srv.Calls()[1].Path)

	apps := c.ListApplications(ctx)
	require.Len(t, apps, 1)
	assert.True(t, apps[0].HasUpInstance(4000))
	assert.False(t, apps[0].HasUpInstance(4001))

	require.NoError(t, c.Deregister(ctx, "api", 4000))
	assert.False(t, srv.Registered("API", "10.0.0.1:api:4000"))
}

func TestRenewFailures(t *testing.T) {
	srv := registrytest.NewServer(t)
	cfg := srv.Config()
	cfg.Timeout = 50 * time.Millisecond
	c := NewClient(cfg)

	srv.SetRenewStatus(http.StatusNotFound)
	err := c.Renew(context.Background(), "api", 4000)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.False(t, errors.Is(err, ErrTimeout))

	srv.SetRenewStatus(0)
	srv.SetDelay(200 * time.Millisecond)
	err = c.Renew(context.Background(), "api", 4000)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAvailabilityAndEmptyList(t *testing.T) {
	srv := registrytest.NewServer(t)
	c := NewClient(srv.Config())
	ctx := context.Background()

	assert.True(t, c.CheckAvailability(ctx))

	srv.SetDown(true)
	assert.False(t, c.CheckAvailability(ctx))
	apps := c.ListApplications(ctx)
	assert.NotNil(t, apps)
	assert.Empty(t, apps)
}

func TestDecodeSingleObjectApplications(t *testing.T) {
	payload := `{"applications":{"application":{"name":"API","instance":{"status":"UP","port":{"$":"4000","@enabled":"true"}}}}}`

	var env applicationsEnvelope
	require.NoError(t, json.Unmarshal([]byte(payload), &env))
	require.Len(t, env.Applications.Application, 1)
	app := env.Applications.Application[0]
	assert.True(t, app.HasUpInstance(4000))
	assert.True(t, bool(app.Instance[0].Port.Enabled))
}

func TestSetConfigFillsDefaults(t *testing.T) {
	c := NewClient(types.EurekaConfig{InstanceIP: "10.0.0.2"})
	cfg := c.Config()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8761, cfg.Port)
	assert.Equal(t, 30*time.Second, c.HeartbeatInterval())
	assert.Equal(t, "10.0.0.2:api:4000", c.InstanceID("api", 4000))
}
