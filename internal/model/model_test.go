package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUDN_Strict(t *testing.T) {
	udn, err := ParseUDN("uuid:2fac1234-31f8-11b4-a222-08002b34c003", ValidationStrict)
	require.NoError(t, err)
	require.Equal(t, "uuid:2fac1234-31f8-11b4-a222-08002b34c003", udn.String())

	_, err = ParseUDN("2fac1234-31f8-11b4-a222-08002b34c003", ValidationStrict)
	require.Error(t, err)

	_, err = ParseUDN("uuid:not-a-uuid", ValidationStrict)
	require.Error(t, err)
}

func TestParseUDN_LooseAcceptsNonConformingValue(t *testing.T) {
	udn, err := ParseUDN("uuid:RINCON_000E58F09E9C01400", ValidationLoose)
	require.NoError(t, err)
	require.Equal(t, UDN("uuid:RINCON_000E58F09E9C01400"), udn)

	_, err = ParseUDN("uuid:", ValidationLoose)
	require.Error(t, err)
}

func TestParseTypeURN_RoundTrip(t *testing.T) {
	urn, err := ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:1")
	require.NoError(t, err)
	require.Equal(t, "schemas-upnp-org", urn.Domain)
	require.Equal(t, URNService, urn.Kind)
	require.Equal(t, "SwitchPower", urn.Name)
	require.Equal(t, 1, urn.Version)
	require.Equal(t, "urn:schemas-upnp-org:service:SwitchPower:1", urn.String())
}

func TestParseTypeURN_RejectsBadVersion(t *testing.T) {
	_, err := ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:0")
	require.Error(t, err)

	_, err = ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:x")
	require.Error(t, err)

	_, err = ParseTypeURN("urn:schemas-upnp-org:thing:SwitchPower:1")
	require.Error(t, err)
}

func TestTypeURN_Compatible(t *testing.T) {
	v2, err := ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:2")
	require.NoError(t, err)
	v1, err := ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:1")
	require.NoError(t, err)

	require.True(t, v2.Compatible(v1))
	require.False(t, v1.Compatible(v2))
}

func TestParseUSN_WithTarget(t *testing.T) {
	usn, err := ParseUSN("uuid:2fac1234-31f8-11b4-a222-08002b34c003::upnp:rootdevice", ValidationStrict)
	require.NoError(t, err)
	require.Equal(t, UDN("uuid:2fac1234-31f8-11b4-a222-08002b34c003"), usn.UDN)
	require.Equal(t, "upnp:rootdevice", usn.Target)
	require.Equal(t, "uuid:2fac1234-31f8-11b4-a222-08002b34c003::upnp:rootdevice", usn.String())
}

func TestDataType_CoerceBoolean(t *testing.T) {
	for _, s := range []string{"1", "true", "yes"} {
		v, err := TypeBoolean.Coerce(s)
		require.NoError(t, err)
		require.Equal(t, true, v)
	}
	for _, s := range []string{"0", "false", "no"} {
		v, err := TypeBoolean.Coerce(s)
		require.NoError(t, err)
		require.Equal(t, false, v)
	}
	_, err := TypeBoolean.Coerce("maybe")
	require.Error(t, err)
}

func TestDataType_CoerceIntegerRanges(t *testing.T) {
	v, err := TypeUI1.Coerce("255")
	require.NoError(t, err)
	require.Equal(t, int64(255), v)

	_, err = TypeUI1.Coerce("256")
	require.Error(t, err)

	_, err = TypeI2.Coerce("-40000")
	require.Error(t, err)

	v, err = TypeI4.Coerce("-2147483648")
	require.NoError(t, err)
	require.Equal(t, int64(-2147483648), v)
}

func TestStateVariable_CheckValue(t *testing.T) {
	v, err := NewStateVariable("Status", TypeBoolean, true)
	require.NoError(t, err)
	require.NoError(t, v.SetDefault("0"))
	require.Equal(t, "0", v.Value())

	require.NoError(t, v.SetValue("1"))
	require.Equal(t, "1", v.Value())
	require.Error(t, v.SetValue("banana"))
}

func TestStateVariable_AllowedList(t *testing.T) {
	v, err := NewStateVariable("TransportState", TypeString, true)
	require.NoError(t, err)
	v.AllowedValues = []string{"PLAYING", "STOPPED"}

	require.NoError(t, v.SetValue("PLAYING"))
	require.Error(t, v.SetValue("FLYING"))
}

func TestStateVariable_AllowedRange(t *testing.T) {
	v, err := NewStateVariable("Volume", TypeUI2, true)
	require.NoError(t, err)
	v.AllowedRange = &AllowedValueRange{Minimum: 0, Maximum: 100, Step: 1}

	require.NoError(t, v.SetValue("100"))
	require.Error(t, v.SetValue("101"))
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	status, err := NewStateVariable("Status", TypeBoolean, true)
	require.NoError(t, err)
	require.NoError(t, status.SetDefault("0"))
	target, err := NewStateVariable("Target", TypeBoolean, false)
	require.NoError(t, err)
	require.NoError(t, target.SetDefault("0"))

	setTarget, err := NewAction("SetTarget", []Argument{
		{Name: "NewTargetValue", Direction: DirIn, RelatedStateVariable: "Target"},
	})
	require.NoError(t, err)
	getStatus, err := NewAction("GetStatus", []Argument{
		{Name: "ResultStatus", Direction: DirOut, RelatedStateVariable: "Status"},
	})
	require.NoError(t, err)

	svcType, err := ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:1")
	require.NoError(t, err)

	svc, err := NewService("urn:upnp-org:serviceId:SwitchPower",
		svcType, []*Action{setTarget, getStatus}, []*StateVariable{status, target}, ValidationStrict)
	require.NoError(t, err)
	svc.SCPDURL = "/description/SwitchPower/scpd.xml"
	svc.ControlURL = "/control/SwitchPower"
	svc.EventSubURL = "/event/SwitchPower"
	return svc
}

func TestNewService_RejectsDanglingStateVariable(t *testing.T) {
	act, err := NewAction("SetLevel", []Argument{
		{Name: "NewLevel", Direction: DirIn, RelatedStateVariable: "Level"},
	})
	require.NoError(t, err)

	svcType, err := ParseTypeURN("urn:schemas-upnp-org:service:Dimming:1")
	require.NoError(t, err)

	_, err = NewService("urn:upnp-org:serviceId:Dimming", svcType, []*Action{act}, nil, ValidationStrict)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown state variable")
}

func TestNewService_RejectsDuplicateActions(t *testing.T) {
	a1, err := NewAction("Toggle", nil)
	require.NoError(t, err)
	a2, err := NewAction("Toggle", nil)
	require.NoError(t, err)

	svcType, err := ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:1")
	require.NoError(t, err)

	_, err = NewService("urn:upnp-org:serviceId:SwitchPower", svcType, []*Action{a1, a2}, nil, ValidationStrict)
	require.Error(t, err)
}

func TestNewRootDevice_IndexAndParents(t *testing.T) {
	devType, err := ParseTypeURN("urn:schemas-upnp-org:device:BinaryLight:1")
	require.NoError(t, err)
	childType, err := ParseTypeURN("urn:schemas-upnp-org:device:DimmableLight:1")
	require.NoError(t, err)

	childUDN := NewUDN()
	rootUDN := NewUDN()

	rd, err := NewRootDevice(Device{
		UDN:          rootUDN,
		Type:         devType,
		FriendlyName: "Hallway Light",
		Manufacturer: "ACME",
		ModelName:    "L100",
		Services:     []*Service{newTestService(t)},
		Children: []*Device{{
			UDN:          childUDN,
			Type:         childType,
			FriendlyName: "Dimmer",
			Manufacturer: "ACME",
			ModelName:    "L100-D",
		}},
	}, ValidationStrict)
	require.NoError(t, err)

	require.NotNil(t, rd.DeviceByUDN(childUDN))
	require.Nil(t, rd.ParentOf(rootUDN))
	require.Equal(t, rootUDN, rd.ParentOf(childUDN).UDN)

	dev, svc := rd.ServiceByID("urn:upnp-org:serviceId:SwitchPower")
	require.NotNil(t, svc)
	require.Equal(t, rootUDN, dev.UDN)
}

func TestNewRootDevice_RejectsDuplicateUDN(t *testing.T) {
	devType, err := ParseTypeURN("urn:schemas-upnp-org:device:BinaryLight:1")
	require.NoError(t, err)

	udn := NewUDN()
	_, err = NewRootDevice(Device{
		UDN: udn, Type: devType, FriendlyName: "A", Manufacturer: "M", ModelName: "X",
		Children: []*Device{{UDN: udn, Type: devType, FriendlyName: "B", Manufacturer: "M", ModelName: "X"}},
	}, ValidationStrict)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate UDN")
}

func TestNewRootDevice_EnforcesDepthBound(t *testing.T) {
	devType, err := ParseTypeURN("urn:schemas-upnp-org:device:BinaryLight:1")
	require.NoError(t, err)

	leaf := Device{UDN: NewUDN(), Type: devType, FriendlyName: "d", Manufacturer: "m", ModelName: "x"}
	tree := leaf
	for i := 0; i < MaxDeviceDepth; i++ {
		tree = Device{
			UDN: NewUDN(), Type: devType, FriendlyName: "d", Manufacturer: "m", ModelName: "x",
			Children: []*Device{cloneDevice(tree)},
		}
	}

	_, err = NewRootDevice(tree, ValidationStrict)
	require.Error(t, err)
	require.Contains(t, err.Error(), "deeper than")
}

func cloneDevice(d Device) *Device {
	c := d
	return &c
}

func TestNewRootDevice_LooseAcceptsSparseDescription(t *testing.T) {
	devType, err := ParseTypeURN("urn:schemas-upnp-org:device:ZonePlayer:1")
	require.NoError(t, err)

	_, err = NewRootDevice(Device{
		UDN:  "uuid:RINCON_000E58F09E9C01400",
		Type: devType,
	}, ValidationLoose)
	require.NoError(t, err)
}
