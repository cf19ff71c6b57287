package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProxyServiceValidate(t *testing.T) {
	valid := func() *ProxyService {
		return &ProxyService{
			ServiceName:  "api",
			Port:         4000,
			Targets:      map[string]string{"a": "http://x", "b": "http://y:8080"},
			ActiveTarget: "a",
		}
	}

	tests := []struct {
		name    string
		mutate  func(s *ProxyService)
		wantErr bool
	}{
		{name: "valid", mutate: func(s *ProxyService) {}},
		{name: "missing name", mutate: func(s *ProxyService) { s.ServiceName = "" }, wantErr: true},
		{name: "port zero", mutate: func(s *ProxyService) { s.Port = 0 }, wantErr: true},
		{name: "port too large", mutate: func(s *ProxyService) { s.Port = 70000 }, wantErr: true},
		{name: "no targets", mutate: func(s *ProxyService) { s.Targets = nil }, wantErr: true},
		{name: "active target unknown", mutate: func(s *ProxyService) { s.ActiveTarget = "c" }, wantErr: true},
		{name: "target without scheme", mutate: func(s *ProxyService) { s.Targets["a"] = "x:80" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServiceKey(t *testing.T) {
	s := &ProxyService{ServiceName: "api", Port: 4000}
	assert.Equal(t, ServiceKey("api:4000"), s.Key())

	name, port, ok := ServiceKey("my:api:4000").Split()
	assert.True(t, ok)
	assert.Equal(t, "my:api", name)
	assert.Equal(t, 4000, port)

	_, _, ok = ServiceKey("noport").Split()
	assert.False(t, ok)
	_, _, ok = ServiceKey("api:x").Split()
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	s := &ProxyService{
		ServiceName: "api",
		Targets:     map[string]string{"a": "http://x"},
		TagIDs:      []string{"t1"},
	}
	c := s.Clone()
	c.Targets["b"] = "http://y"
	c.TagIDs[0] = "t2"

	assert.Len(t, s.Targets, 1)
	assert.Equal(t, "t1", s.TagIDs[0])
}

func TestPortRangeContains(t *testing.T) {
	r := PortRange{Start: 4000, End: 4100}
	assert.True(t, r.Contains(4000))
	assert.True(t, r.Contains(4100))
	assert.False(t, r.Contains(3999))
	assert.False(t, r.Contains(4101))
}

func TestEurekaBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8761/eureka/apps", DefaultEurekaConfig().BaseURL())
}
