package gena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPropertySet_RoundTrip(t *testing.T) {
	props := []Property{
		{Name: "Status", Value: "1"},
		{Name: "LastChange", Value: "<Event val=\"3\"/>"},
		{Name: "Empty", Value: ""},
	}
	body := EncodePropertySet(props)
	require.Contains(t, string(body), `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">`)

	decoded, err := DecodePropertySet(body)
	require.NoError(t, err)
	require.Equal(t, props, decoded)
}

func TestPropertySet_OrderPreserved(t *testing.T) {
	props := []Property{{Name: "B", Value: "2"}, {Name: "A", Value: "1"}}
	decoded, err := DecodePropertySet(EncodePropertySet(props))
	require.NoError(t, err)
	require.Equal(t, props, decoded)
}

func TestDecodePropertySet_NotAPropertySet(t *testing.T) {
	_, err := DecodePropertySet([]byte("<foo><bar/></foo>"))
	require.Error(t, err)
}

func TestDecodePropertySet_Malformed(t *testing.T) {
	_, err := DecodePropertySet([]byte("<e:propertyset"))
	require.Error(t, err)
}

func TestNextSeq_WrapsToOne(t *testing.T) {
	require.Equal(t, uint32(1), nextSeq(0))
	require.Equal(t, uint32(2), nextSeq(1))
	require.Equal(t, uint32(1), nextSeq(0xFFFFFFFF))
}
