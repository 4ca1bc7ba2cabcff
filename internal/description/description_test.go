package description

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/go-upnp/internal/model"
)

func switchPowerService(t *testing.T) *model.Service {
	t.Helper()

	status, err := model.NewStateVariable("Status", model.TypeBoolean, true)
	require.NoError(t, err)
	require.NoError(t, status.SetDefault("0"))
	target, err := model.NewStateVariable("Target", model.TypeBoolean, false)
	require.NoError(t, err)
	require.NoError(t, target.SetDefault("0"))

	setTarget, err := model.NewAction("SetTarget", []model.Argument{
		{Name: "NewTargetValue", Direction: model.DirIn, RelatedStateVariable: "Target"},
	})
	require.NoError(t, err)
	getStatus, err := model.NewAction("GetStatus", []model.Argument{
		{Name: "ResultStatus", Direction: model.DirOut, RelatedStateVariable: "Status"},
	})
	require.NoError(t, err)

	svcType, err := model.ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:1")
	require.NoError(t, err)
	svc, err := model.NewService("urn:upnp-org:serviceId:SwitchPower", svcType,
		[]*model.Action{setTarget, getStatus}, []*model.StateVariable{status, target}, model.ValidationStrict)
	require.NoError(t, err)
	svc.SCPDURL = "/description/SwitchPower/scpd.xml"
	svc.ControlURL = "/control/SwitchPower"
	svc.EventSubURL = "/event/SwitchPower"
	return svc
}

func lightRootDevice(t *testing.T) *model.RootDevice {
	t.Helper()
	devType, err := model.ParseTypeURN("urn:schemas-upnp-org:device:BinaryLight:1")
	require.NoError(t, err)

	rd, err := model.NewRootDevice(model.Device{
		UDN:          "uuid:2fac1234-31f8-11b4-a222-08002b34c003",
		Type:         devType,
		FriendlyName: "Hallway Light",
		Manufacturer: "ACME",
		ModelName:    "L100",
		ModelNumber:  "100",
		SerialNumber: "SN-1",
		Services:     []*model.Service{switchPowerService(t)},
	}, model.ValidationStrict)
	require.NoError(t, err)
	return rd
}

func TestDeviceDescription_RoundTrip(t *testing.T) {
	rd := lightRootDevice(t)

	data, err := EncodeDevice(rd)
	require.NoError(t, err)

	base, err := url.Parse("http://192.168.1.20:9100/description/device.xml")
	require.NoError(t, err)

	parsed, err := ParseDevice(data, base, model.ValidationStrict)
	require.NoError(t, err)
	require.Equal(t, rd.UDN, parsed.UDN)
	require.Equal(t, rd.Type, parsed.Type)
	require.Equal(t, "Hallway Light", parsed.FriendlyName)
	require.Equal(t, base, parsed.BaseURL)

	require.Len(t, parsed.Services, 1)
	svc := parsed.Services[0]
	require.Equal(t, model.ServiceID("urn:upnp-org:serviceId:SwitchPower"), svc.ID)
	require.Equal(t, "/control/SwitchPower", svc.ControlURL)
	require.Empty(t, svc.Actions) // populated only after SCPD fetch

	ctrl, err := parsed.ResolveURL(svc.ControlURL)
	require.NoError(t, err)
	require.Equal(t, "http://192.168.1.20:9100/control/SwitchPower", ctrl.String())
}

func TestDeviceDescription_EmbeddedDevices(t *testing.T) {
	devType, err := model.ParseTypeURN("urn:schemas-upnp-org:device:BinaryLight:1")
	require.NoError(t, err)
	childType, err := model.ParseTypeURN("urn:schemas-upnp-org:device:DimmableLight:1")
	require.NoError(t, err)

	childUDN := model.NewUDN()
	rd, err := model.NewRootDevice(model.Device{
		UDN: model.NewUDN(), Type: devType, FriendlyName: "Root", Manufacturer: "ACME", ModelName: "L",
		Children: []*model.Device{{
			UDN: childUDN, Type: childType, FriendlyName: "Dimmer", Manufacturer: "ACME", ModelName: "D",
		}},
	}, model.ValidationStrict)
	require.NoError(t, err)

	data, err := EncodeDevice(rd)
	require.NoError(t, err)

	base, _ := url.Parse("http://10.0.0.2/desc.xml")
	parsed, err := ParseDevice(data, base, model.ValidationStrict)
	require.NoError(t, err)
	require.NotNil(t, parsed.DeviceByUDN(childUDN))
	require.Equal(t, rd.UDN, parsed.ParentOf(childUDN).UDN)
}

func TestSCPD_RoundTrip(t *testing.T) {
	svc := switchPowerService(t)

	data, err := EncodeSCPD(svc)
	require.NoError(t, err)

	svcType, err := model.ParseTypeURN("urn:schemas-upnp-org:service:SwitchPower:1")
	require.NoError(t, err)
	fresh, err := model.NewService("urn:upnp-org:serviceId:SwitchPower", svcType, nil, nil, model.ValidationLoose)
	require.NoError(t, err)

	require.NoError(t, ApplySCPD(fresh, data, model.ValidationStrict))

	require.Len(t, fresh.Actions, 2)
	setTarget := fresh.Action("SetTarget")
	require.NotNil(t, setTarget)
	require.Len(t, setTarget.In, 1)
	require.Equal(t, "NewTargetValue", setTarget.In[0].Name)
	require.Equal(t, "Target", setTarget.In[0].RelatedStateVariable)
	require.Equal(t, fresh, setTarget.Service)

	status := fresh.StateVariable("Status")
	require.NotNil(t, status)
	require.True(t, status.SendEvents)
	require.Equal(t, "0", status.Value())

	evented := fresh.EventedVariables()
	require.Len(t, evented, 1)
	require.Equal(t, "Status", evented[0].Name)
}

func TestSCPD_RangeAndAllowedList(t *testing.T) {
	vol, err := model.NewStateVariable("Volume", model.TypeUI2, true)
	require.NoError(t, err)
	vol.AllowedRange = &model.AllowedValueRange{Minimum: 0, Maximum: 100, Step: 1}
	mode, err := model.NewStateVariable("Mode", model.TypeString, false)
	require.NoError(t, err)
	mode.AllowedValues = []string{"NORMAL", "NIGHT"}

	svcType, err := model.ParseTypeURN("urn:schemas-upnp-org:service:RenderingControl:1")
	require.NoError(t, err)
	svc, err := model.NewService("urn:upnp-org:serviceId:RenderingControl", svcType,
		nil, []*model.StateVariable{vol, mode}, model.ValidationStrict)
	require.NoError(t, err)

	data, err := EncodeSCPD(svc)
	require.NoError(t, err)

	fresh, err := model.NewService(svc.ID, svcType, nil, nil, model.ValidationLoose)
	require.NoError(t, err)
	require.NoError(t, ApplySCPD(fresh, data, model.ValidationStrict))

	parsedVol := fresh.StateVariable("Volume")
	require.NotNil(t, parsedVol.AllowedRange)
	require.Equal(t, float64(100), parsedVol.AllowedRange.Maximum)
	require.Equal(t, []string{"NORMAL", "NIGHT"}, fresh.StateVariable("Mode").AllowedValues)
}

func TestParseDevice_MalformedXML(t *testing.T) {
	base, _ := url.Parse("http://10.0.0.2/desc.xml")
	_, err := ParseDevice([]byte("<root><device>"), base, model.ValidationLoose)
	require.Error(t, err)
}

func TestParseDevice_URLBaseOverride(t *testing.T) {
	rd := lightRootDevice(t)
	data, err := EncodeDevice(rd)
	require.NoError(t, err)

	// Splice a URLBase element in, the way UDA 1.0 stacks emit it.
	spliced := strings.Replace(string(data), "<device>", "<URLBase>http://10.9.9.9:80/</URLBase><device>", 1)

	base, _ := url.Parse("http://192.168.1.20:9100/description/device.xml")
	parsed, err := ParseDevice([]byte(spliced), base, model.ValidationStrict)
	require.NoError(t, err)
	require.Equal(t, "http://10.9.9.9:80/", parsed.BaseURL.String())
}
