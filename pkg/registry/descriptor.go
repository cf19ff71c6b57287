package registry

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const dataCenterClass = "com.netflix.appinfo.InstanceInfo$DefaultDataCenterInfo"

// InstanceEnvelope is the body of a register request
type InstanceEnvelope struct {
	Instance Instance `json:"instance"`
}

// Instance is a registry instance descriptor
type Instance struct {
	InstanceID     string         `json:"instanceId"`
	HostName       string         `json:"hostName"`
	App            string         `json:"app"`
	IPAddr         string         `json:"ipAddr"`
	VIPAddress     string         `json:"vipAddress"`
	Status         string         `json:"status"`
	Port           Port           `json:"port"`
	DataCenterInfo DataCenterInfo `json:"dataCenterInfo"`
}

// Port is the registry's {"$": 4000, "@enabled": true} port object
type Port struct {
	Number  FlexInt  `json:"$"`
	Enabled FlexBool `json:"@enabled"`
}

// DataCenterInfo names the data center of the instance
type DataCenterInfo struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

// Application groups the instances registered under one app name
type Application struct {
	Name     string              `json:"name"`
	Instance OneOrMany[Instance] `json:"instance"`
}

// HasUpInstance reports whether an instance on port is registered with status UP
func (a Application) HasUpInstance(port int) bool {
	for _, inst := range a.Instance {
		if int(inst.Port.Number) == port && inst.Status == "UP" {
			return true
		}
	}
	return false
}

type applicationsEnvelope struct {
	Applications struct {
		Application OneOrMany[Application] `json:"application"`
	} `json:"applications"`
}

// OneOrMany decodes either a single JSON object or an array of them; the
// registry collapses one-element lists into a bare object.
type OneOrMany[T any] []T

func (o *OneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	if data[0] == '[' {
		var many []T
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*o = []T{one}
	return nil
}

// FlexInt accepts both 4000 and "4000"
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

// FlexBool accepts both true and "true"
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	*f = FlexBool(s == "true")
	return nil
}
