package controlpoint

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/strefethen/go-upnp/internal/description"
	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/upnperr"
)

// descriptionClient fetches description documents with tight timeouts so
// unreachable devices don't stall discovery.
var descriptionClient = &http.Client{
	Timeout: 10 * time.Second,
	Transport: &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
		TLSHandshakeTimeout: 3 * time.Second,
		IdleConnTimeout:     30 * time.Second,
	},
}

// fetchDescription retrieves and parses the device description at
// location, then fills every service from its SCPD. Peers get loose
// validation.
func fetchDescription(ctx context.Context, location string) (*model.RootDevice, error) {
	base, err := url.Parse(location)
	if err != nil {
		return nil, &upnperr.InvalidDescriptionError{Reason: fmt.Sprintf("location %q: %v", location, err)}
	}

	body, err := httpGet(ctx, location)
	if err != nil {
		return nil, err
	}

	root, err := description.ParseDevice(body, base, model.ValidationLoose)
	if err != nil {
		return nil, err
	}

	for _, svc := range root.AllServices() {
		if svc.SCPDURL == "" {
			continue
		}
		scpdURL, err := root.ResolveURL(svc.SCPDURL)
		if err != nil {
			continue
		}
		scpd, err := httpGet(ctx, scpdURL.String())
		if err != nil {
			// A service without a reachable SCPD stays action-less.
			continue
		}
		if err := description.ApplySCPD(svc, scpd, model.ValidationLoose); err != nil {
			continue
		}
	}

	return root, nil
}

func httpGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &upnperr.TransportError{Op: "fetch " + rawURL, Err: err}
	}
	resp, err := descriptionClient.Do(req)
	if err != nil {
		return nil, &upnperr.TransportError{Op: "fetch " + rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: http %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
