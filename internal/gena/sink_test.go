package gena

import (
	"context"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/upnperr"
)

type changeRecord struct {
	name  string
	value string
}

// eventingPair wires a publisher and a sink together over loopback HTTP.
func eventingPair(t *testing.T) (*Publisher, *Sink, *model.Service, *url.URL, chan changeRecord) {
	t.Helper()
	svc := eventedService(t)

	changes := make(chan changeRecord, 32)
	sink := NewSink("", 300, func(s *model.Service, name, value string) {
		changes <- changeRecord{name: name, value: value}
	})

	cbSrv := httptest.NewServer(sink)
	t.Cleanup(cbSrv.Close)
	sink.callbackURL = cbSrv.URL + "/notify"

	p := NewPublisher(0, nil)
	t.Cleanup(func() { p.Stop(context.Background()) })

	eventSrv := httptest.NewServer(p.HTTPHandler(svc))
	t.Cleanup(eventSrv.Close)
	eventURL, err := url.Parse(eventSrv.URL)
	require.NoError(t, err)

	t.Cleanup(func() { sink.Stop(context.Background()) })
	return p, sink, svc, eventURL, changes
}

func waitChange(t *testing.T, ch chan changeRecord) changeRecord {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state change")
		return changeRecord{}
	}
}

func TestSink_SubscribeDeliversInitialState(t *testing.T) {
	_, sink, svc, eventURL, changes := eventingPair(t)

	sid, err := sink.Subscribe(context.Background(), svc, eventURL)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	c := waitChange(t, changes)
	require.Equal(t, changeRecord{name: "Status", value: "0"}, c)

	v, ok := sink.Value(sid, "Status")
	require.True(t, ok)
	require.Equal(t, "0", v)
}

func TestSink_OrderedDelivery(t *testing.T) {
	p, sink, svc, eventURL, changes := eventingPair(t)

	_, err := sink.Subscribe(context.Background(), svc, eventURL)
	require.NoError(t, err)
	waitChange(t, changes) // initial

	p.Notify(svc, []Property{{Name: "Status", Value: "1"}})
	require.Equal(t, "1", waitChange(t, changes).value)

	p.Notify(svc, []Property{{Name: "Status", Value: "0"}})
	require.Equal(t, "0", waitChange(t, changes).value)
}

func TestSink_UncoercibleValueDropped(t *testing.T) {
	p, sink, svc, eventURL, changes := eventingPair(t)

	_, err := sink.Subscribe(context.Background(), svc, eventURL)
	require.NoError(t, err)
	waitChange(t, changes)

	p.Notify(svc, []Property{
		{Name: "Status", Value: "banana"},
		{Name: "Status", Value: "1"},
	})
	// Only the coercible value is delivered.
	require.Equal(t, "1", waitChange(t, changes).value)
}

func TestSink_SequenceGapTriggersResubscribe(t *testing.T) {
	p, sink, svc, eventURL, changes := eventingPair(t)

	var lost atomic.Bool
	sink.SetLostFunc(func(*model.Service, *upnperr.SubscriptionLostError) {
		lost.Store(true)
	})

	firstSID, err := sink.Subscribe(context.Background(), svc, eventURL)
	require.NoError(t, err)
	waitChange(t, changes)

	// Simulate a dropped NOTIFY: advance the publisher's counter without
	// sending, so the next NOTIFY skips a sequence number.
	p.mu.Lock()
	p.subs[firstSID].lastSeq = nextSeq(p.subs[firstSID].lastSeq)
	p.mu.Unlock()

	p.Notify(svc, []Property{{Name: "Status", Value: "1"}})

	// The sink rejects the gap, tears down and re-subscribes; the fresh
	// subscription's initial NOTIFY delivers current state with SEQ 0.
	c := waitChange(t, changes)
	require.Equal(t, "Status", c.name)

	require.Eventually(t, func() bool {
		sid, ok := sink.SIDFor(svc.ID)
		return ok && sid != firstSID
	}, 3*time.Second, 20*time.Millisecond)
	require.True(t, lost.Load())
}

func TestSink_RenewalKeepsSubscription(t *testing.T) {
	p, sink, svc, eventURL, changes := eventingPair(t)

	base := time.Now()
	sink.now = func() time.Time { return base }
	sink.Start()

	sid, err := sink.Subscribe(context.Background(), svc, eventURL)
	require.NoError(t, err)
	waitChange(t, changes)

	// Jump past the renewal point (granted 300s, renew at 150s).
	sink.mu.Lock()
	sink.now = func() time.Time { return base.Add(200 * time.Second) }
	sink.mu.Unlock()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		sub, ok := sink.subs[sid]
		return ok && sub.renewAt.After(base.Add(200*time.Second))
	}, 10*time.Second, 100*time.Millisecond)

	require.Equal(t, 1, p.SubscriptionCount(svc.ID))
}

func TestSink_UnsubscribeStopsDelivery(t *testing.T) {
	p, sink, svc, eventURL, changes := eventingPair(t)

	sid, err := sink.Subscribe(context.Background(), svc, eventURL)
	require.NoError(t, err)
	waitChange(t, changes)

	require.NoError(t, sink.Unsubscribe(context.Background(), sid))
	require.Equal(t, 0, p.SubscriptionCount(svc.ID))

	_, ok := sink.SIDFor(svc.ID)
	require.False(t, ok)
}
