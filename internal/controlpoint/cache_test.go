package controlpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/go-upnp/internal/ssdp"
)

func aliveMsg(udn, location string, maxAge int) ssdp.Message {
	return ssdp.Message{
		Kind:       ssdp.KindAlive,
		Host:       ssdp.MulticastAddr,
		MaxAge:     maxAge,
		Location:   location,
		NT:         "upnp:rootdevice",
		USN:        udn + "::upnp:rootdevice",
		Server:     "test/1.0",
		MX:         ssdp.Absent,
		BootID:     ssdp.Absent,
		ConfigID:   ssdp.Absent,
		NextBootID: ssdp.Absent,
		SearchPort: ssdp.Absent,
	}
}

func TestDiscoveryCache_AddAndRefresh(t *testing.T) {
	c := NewDiscoveryCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	res, err := c.Refresh(aliveMsg("uuid:abc", "http://10.0.0.2/desc.xml", 1800))
	require.NoError(t, err)
	require.True(t, res.isNew)
	require.False(t, res.needRedescribe)

	entry, ok := c.Get("uuid:abc")
	require.True(t, ok)
	require.Equal(t, base.Add(1800*time.Second), entry.ExpiresAt)
	require.Equal(t, []string{"http://10.0.0.2/desc.xml"}, entry.Locations)

	// A duplicate ALIVE later refreshes expiry, not identity.
	c.now = func() time.Time { return base.Add(time.Hour) }
	res, err = c.Refresh(aliveMsg("uuid:abc", "http://10.0.0.2/desc.xml", 1800))
	require.NoError(t, err)
	require.False(t, res.isNew)

	entry, _ = c.Get("uuid:abc")
	require.Equal(t, base.Add(time.Hour).Add(1800*time.Second), entry.ExpiresAt)
	require.Len(t, entry.Locations, 1)
	require.Equal(t, 1, c.Len())
}

func TestDiscoveryCache_SecondLocationAppended(t *testing.T) {
	c := NewDiscoveryCache()

	_, err := c.Refresh(aliveMsg("uuid:abc", "http://10.0.0.2/desc.xml", 1800))
	require.NoError(t, err)
	_, err = c.Refresh(aliveMsg("uuid:abc", "http://10.0.0.3/desc.xml", 1800))
	require.NoError(t, err)

	entry, _ := c.Get("uuid:abc")
	require.Equal(t, []string{"http://10.0.0.2/desc.xml", "http://10.0.0.3/desc.xml"}, entry.Locations)
}

func TestDiscoveryCache_UpdateBootIDSemantics(t *testing.T) {
	c := NewDiscoveryCache()

	first := aliveMsg("uuid:abc", "http://10.0.0.2/desc.xml", 1800)
	first.BootID = 1
	_, err := c.Refresh(first)
	require.NoError(t, err)

	// UPDATE announcing the next boot id.
	update := aliveMsg("uuid:abc", "http://10.0.0.2/desc.xml", ssdp.Absent)
	update.Kind = ssdp.KindUpdate
	update.BootID = 1
	update.NextBootID = 2
	res, err := c.Refresh(update)
	require.NoError(t, err)
	require.False(t, res.needRedescribe)

	// The announced transition arrives: not a reboot.
	next := aliveMsg("uuid:abc", "http://10.0.0.2/desc.xml", 1800)
	next.BootID = 2
	res, err = c.Refresh(next)
	require.NoError(t, err)
	require.False(t, res.needRedescribe)

	// An unrelated boot id is a genuine reboot.
	reboot := aliveMsg("uuid:abc", "http://10.0.0.2/desc.xml", 1800)
	reboot.BootID = 9
	res, err = c.Refresh(reboot)
	require.NoError(t, err)
	require.True(t, res.needRedescribe)
}

func TestDiscoveryCache_SweepExpired(t *testing.T) {
	c := NewDiscoveryCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	_, err := c.Refresh(aliveMsg("uuid:short", "http://10.0.0.2/a.xml", 5))
	require.NoError(t, err)
	_, err = c.Refresh(aliveMsg("uuid:long", "http://10.0.0.3/b.xml", 1800))
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(10 * time.Second) }
	removed := c.SweepExpired()
	require.Len(t, removed, 1)
	require.Equal(t, "uuid:short", string(removed[0].UDN))
	require.Equal(t, 1, c.Len())
}

func TestDiscoveryCache_SnapshotIsACopy(t *testing.T) {
	c := NewDiscoveryCache()
	_, err := c.Refresh(aliveMsg("uuid:abc", "http://10.0.0.2/desc.xml", 1800))
	require.NoError(t, err)

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Locations[0] = "http://mutated/"

	entry, _ := c.Get("uuid:abc")
	require.Equal(t, "http://10.0.0.2/desc.xml", entry.Locations[0])
}

func TestDiscoveryCache_RemoveUnknown(t *testing.T) {
	c := NewDiscoveryCache()
	_, ok := c.Remove("uuid:ghost")
	require.False(t, ok)
}
