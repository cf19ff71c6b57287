package metrics

import "github.com/wangjinchao-pacvue/switch-service/pkg/types"

type fakeSource struct {
	running int
}

func (f *fakeSource) ListServices() ([]*types.ProxyService, error) {
	return []*types.ProxyService{{ID: "1"}, {ID: "2"}, {ID: "3"}}, nil
}

func (f *fakeSource) RunningCount() int { return f.running }

func (f *fakeSource) HealthStatuses() ([]*types.ServiceHealthStatus, error) {
	return []*types.ServiceHealthStatus{
		{ServiceName: "a", Status: types.HealthHealthy},
		{ServiceName: "b", Status: types.HealthCritical},
	}, nil
}
