package ssdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func baseAlive() Message {
	return Message{
		Kind:       KindAlive,
		Host:       MulticastAddr,
		MaxAge:     1800,
		Location:   "http://192.168.1.20:9100/description/device.xml",
		NT:         "upnp:rootdevice",
		USN:        "uuid:2fac1234-31f8-11b4-a222-08002b34c003::upnp:rootdevice",
		Server:     DefaultServerToken,
		MX:         Absent,
		BootID:     Absent,
		ConfigID:   Absent,
		NextBootID: Absent,
		SearchPort: Absent,
	}
}

func TestCodec_AliveRoundTrip(t *testing.T) {
	msg := baseAlive()
	msg.BootID = 7
	msg.ConfigID = 2

	raw, err := Encode(msg)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "NOTIFY * HTTP/1.1\r\n"))
	require.True(t, strings.HasSuffix(string(raw), "\r\n\r\n"))

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestCodec_ByeByeRoundTrip(t *testing.T) {
	msg := Message{
		Kind:       KindByeBye,
		Host:       MulticastAddr,
		NT:         "urn:schemas-upnp-org:device:BinaryLight:1",
		USN:        "uuid:2fac1234-31f8-11b4-a222-08002b34c003::urn:schemas-upnp-org:device:BinaryLight:1",
		MaxAge:     Absent,
		MX:         Absent,
		BootID:     Absent,
		ConfigID:   Absent,
		NextBootID: Absent,
		SearchPort: Absent,
	}

	raw, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestCodec_UpdateRoundTrip(t *testing.T) {
	msg := Message{
		Kind:       KindUpdate,
		Host:       MulticastAddr,
		Location:   "http://192.168.1.20:9100/description/device.xml",
		NT:         "upnp:rootdevice",
		USN:        "uuid:2fac1234-31f8-11b4-a222-08002b34c003::upnp:rootdevice",
		BootID:     3,
		NextBootID: 4,
		MaxAge:     Absent,
		MX:         Absent,
		ConfigID:   Absent,
		SearchPort: Absent,
	}

	raw, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestCodec_SearchRoundTrip(t *testing.T) {
	msg := Message{
		Kind:       KindSearch,
		Host:       MulticastAddr,
		MX:         3,
		ST:         SearchAll,
		UserAgent:  DefaultServerToken,
		MaxAge:     Absent,
		BootID:     Absent,
		ConfigID:   Absent,
		NextBootID: Absent,
		SearchPort: Absent,
	}

	raw, err := Encode(msg)
	require.NoError(t, err)
	require.Contains(t, string(raw), `MAN: "ssdp:discover"`)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestCodec_SearchResponseRoundTrip(t *testing.T) {
	msg := Message{
		Kind:       KindSearchResponse,
		MaxAge:     1800,
		Date:       "Tue, 04 Aug 2026 10:00:00 GMT",
		Location:   "http://192.168.1.20:9100/description/device.xml",
		Server:     DefaultServerToken,
		ST:         "urn:schemas-upnp-org:service:SwitchPower:1",
		USN:        "uuid:2fac1234-31f8-11b4-a222-08002b34c003::urn:schemas-upnp-org:service:SwitchPower:1",
		MX:         Absent,
		BootID:     Absent,
		ConfigID:   Absent,
		NextBootID: Absent,
		SearchPort: Absent,
	}

	raw, err := Encode(msg)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "HTTP/1.1 200 OK\r\n"))

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestCodec_ExtraHeadersPreserved(t *testing.T) {
	msg := baseAlive()
	msg.Extra = map[string]string{"X-VENDOR-THING": "42"}

	raw, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "42", decoded.Extra["X-VENDOR-THING"])
}

func TestEncode_ClampsMaxAgeAndMX(t *testing.T) {
	msg := baseAlive()
	msg.MaxAge = 999999
	raw, err := Encode(msg)
	require.NoError(t, err)
	require.Contains(t, string(raw), "CACHE-CONTROL: max-age=86400")

	search := Message{
		Kind: KindSearch, Host: MulticastAddr, MX: 30, ST: SearchAll,
		UserAgent: "test", MaxAge: Absent, BootID: Absent, ConfigID: Absent,
		NextBootID: Absent, SearchPort: Absent,
	}
	raw, err = Encode(search)
	require.NoError(t, err)
	require.Contains(t, string(raw), "MX: 5")
	require.NotContains(t, string(raw), "MX: 30")
}

func TestEncode_OmitsOutOfRangeSearchPort(t *testing.T) {
	msg := baseAlive()
	msg.SearchPort = 80
	raw, err := Encode(msg)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "SEARCHPORT")

	msg.SearchPort = 49152
	raw, err = Encode(msg)
	require.NoError(t, err)
	require.Contains(t, string(raw), "SEARCHPORT.UPNP.ORG: 49152")
}

func TestEncode_RejectsNegativeBootID(t *testing.T) {
	msg := baseAlive()
	msg.BootID = -5
	_, err := Encode(msg)
	require.Error(t, err)
}

func TestEncode_MissingMandatoryHeader(t *testing.T) {
	msg := baseAlive()
	msg.Location = ""
	_, err := Encode(msg)
	require.Error(t, err)
}

func TestDecode_MissingMandatoryHeader(t *testing.T) {
	raw := "NOTIFY * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"NTS: ssdp:alive\r\n" +
		"NT: upnp:rootdevice\r\n" +
		"USN: uuid:abc\r\n\r\n"
	_, err := Decode([]byte(raw))
	require.Error(t, err)
}

func TestDecode_SearchWithoutDiscoverManRejected(t *testing.T) {
	raw := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: ssdp:discover\r\n" + // missing quotes
		"MX: 2\r\n" +
		"ST: ssdp:all\r\n" +
		"USER-AGENT: test\r\n\r\n"
	_, err := Decode([]byte(raw))
	require.Error(t, err)
}

func TestDecode_ClampsMX(t *testing.T) {
	raw := "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 120\r\n" +
		"ST: ssdp:all\r\n" +
		"USER-AGENT: test\r\n\r\n"
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, 5, msg.MX)
}

func TestDecode_OutOfRangeSearchPortTreatedAbsent(t *testing.T) {
	msg := baseAlive()
	raw, err := Encode(msg)
	require.NoError(t, err)

	tweaked := strings.Replace(string(raw), "USN: ", "SEARCHPORT.UPNP.ORG: 1024\r\nUSN: ", 1)
	decoded, err := Decode([]byte(tweaked))
	require.NoError(t, err)
	require.Equal(t, Absent, decoded.SearchPort)
}

func TestDecode_NegativeBootIDRejected(t *testing.T) {
	msg := baseAlive()
	raw, err := Encode(msg)
	require.NoError(t, err)

	tweaked := strings.Replace(string(raw), "USN: ", "BOOTID.UPNP.ORG: -1\r\nUSN: ", 1)
	_, err = Decode([]byte(tweaked))
	require.Error(t, err)
}

func TestDecode_UnknownStartLine(t *testing.T) {
	_, err := Decode([]byte("HELLO * HTTP/1.1\r\n\r\n"))
	require.Error(t, err)
}
