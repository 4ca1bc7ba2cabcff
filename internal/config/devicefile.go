package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/upnperr"
)

// DeviceFile is the YAML document declaring a hosted root device.
type DeviceFile struct {
	Device DeviceDef `yaml:"device"`
}

// DeviceDef declares one device and its services; embedded devices nest.
type DeviceDef struct {
	UDN          string       `yaml:"udn,omitempty"`
	Type         string       `yaml:"type"`
	FriendlyName string       `yaml:"friendlyName"`
	Manufacturer string       `yaml:"manufacturer"`
	ModelName    string       `yaml:"modelName"`
	ModelNumber  string       `yaml:"modelNumber,omitempty"`
	SerialNumber string       `yaml:"serialNumber,omitempty"`
	Services     []ServiceDef `yaml:"services,omitempty"`
	Devices      []DeviceDef  `yaml:"devices,omitempty"`
}

// ServiceDef declares one service: identity, state table and actions.
type ServiceDef struct {
	ID             string        `yaml:"id"`
	Type           string        `yaml:"type"`
	StateVariables []StateVarDef `yaml:"stateVariables,omitempty"`
	Actions        []ActionDef   `yaml:"actions,omitempty"`
}

// StateVarDef declares one state variable.
type StateVarDef struct {
	Name          string    `yaml:"name"`
	DataType      string    `yaml:"dataType"`
	SendEvents    bool      `yaml:"sendEvents,omitempty"`
	Default       string    `yaml:"default,omitempty"`
	AllowedValues []string  `yaml:"allowedValues,omitempty"`
	Range         *RangeDef `yaml:"range,omitempty"`
}

// RangeDef declares a numeric allowed-value range.
type RangeDef struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Step float64 `yaml:"step,omitempty"`
}

// ActionDef declares one action and its flat argument list.
type ActionDef struct {
	Name      string        `yaml:"name"`
	Arguments []ArgumentDef `yaml:"arguments,omitempty"`
}

// ArgumentDef declares one action argument.
type ArgumentDef struct {
	Name                 string `yaml:"name"`
	Direction            string `yaml:"direction"`
	RelatedStateVariable string `yaml:"relatedStateVariable"`
}

// LoadDeviceFile reads and validates a device definition from a YAML file.
func LoadDeviceFile(path string) (*DeviceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &upnperr.InvalidConfigurationError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	var df DeviceFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, &upnperr.InvalidConfigurationError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return &df, nil
}

// ToRootDevice builds the strict-validated device model from the
// definition. A missing UDN gets a fresh one. Service URLs follow the host
// layout: /description/<name>/scpd.xml, /control/<name> and /event/<name>,
// where <name> is the service ID's trailing segment.
func (df *DeviceFile) ToRootDevice() (*model.RootDevice, error) {
	dev, err := buildDevice(df.Device)
	if err != nil {
		return nil, &upnperr.InvalidConfigurationError{Reason: err.Error()}
	}
	rd, err := model.NewRootDevice(*dev, model.ValidationStrict)
	if err != nil {
		return nil, &upnperr.InvalidConfigurationError{Reason: err.Error()}
	}
	return rd, nil
}

func buildDevice(def DeviceDef) (*model.Device, error) {
	devType, err := model.ParseTypeURN(def.Type)
	if err != nil {
		return nil, err
	}

	udn := model.UDN(def.UDN)
	if def.UDN == "" {
		udn = model.NewUDN()
	} else if _, err := model.ParseUDN(def.UDN, model.ValidationStrict); err != nil {
		return nil, err
	}

	d := &model.Device{
		UDN:          udn,
		Type:         devType,
		FriendlyName: def.FriendlyName,
		Manufacturer: def.Manufacturer,
		ModelName:    def.ModelName,
		ModelNumber:  def.ModelNumber,
		SerialNumber: def.SerialNumber,
	}

	for _, sdef := range def.Services {
		svc, err := buildService(sdef)
		if err != nil {
			return nil, err
		}
		d.Services = append(d.Services, svc)
	}
	for _, cdef := range def.Devices {
		child, err := buildDevice(cdef)
		if err != nil {
			return nil, err
		}
		d.Children = append(d.Children, child)
	}
	return d, nil
}

func buildService(def ServiceDef) (*model.Service, error) {
	svcID, err := model.ParseServiceID(def.ID, model.ValidationStrict)
	if err != nil {
		return nil, err
	}
	svcType, err := model.ParseTypeURN(def.Type)
	if err != nil {
		return nil, err
	}

	var vars []*model.StateVariable
	for _, vdef := range def.StateVariables {
		dt, err := model.ParseDataType(vdef.DataType)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", def.ID, err)
		}
		v, err := model.NewStateVariable(vdef.Name, dt, vdef.SendEvents)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", def.ID, err)
		}
		v.AllowedValues = vdef.AllowedValues
		if vdef.Range != nil {
			v.AllowedRange = &model.AllowedValueRange{
				Minimum: vdef.Range.Min,
				Maximum: vdef.Range.Max,
				Step:    vdef.Range.Step,
			}
		}
		if vdef.Default != "" {
			if err := v.SetDefault(vdef.Default); err != nil {
				return nil, fmt.Errorf("service %s: %w", def.ID, err)
			}
		}
		vars = append(vars, v)
	}

	var actions []*model.Action
	for _, adef := range def.Actions {
		var args []model.Argument
		for _, argdef := range adef.Arguments {
			args = append(args, model.Argument{
				Name:                 argdef.Name,
				Direction:            model.Direction(argdef.Direction),
				RelatedStateVariable: argdef.RelatedStateVariable,
			})
		}
		a, err := model.NewAction(adef.Name, args)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", def.ID, err)
		}
		actions = append(actions, a)
	}

	svc, err := model.NewService(svcID, svcType, actions, vars, model.ValidationStrict)
	if err != nil {
		return nil, err
	}

	short := svcID.ShortName()
	svc.SCPDURL = "/description/" + short + "/scpd.xml"
	svc.ControlURL = "/control/" + short
	svc.EventSubURL = "/event/" + short
	return svc, nil
}
