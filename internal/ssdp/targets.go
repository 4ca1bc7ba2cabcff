package ssdp

import (
	"github.com/strefethen/go-upnp/internal/model"
)

// RootDeviceTarget is the NT announcing the root of a device tree.
const RootDeviceTarget = "upnp:rootdevice"

// SearchAll is the ST matching every advertised target.
const SearchAll = "ssdp:all"

// Advertisement is one (NT, USN) pair a host announces and answers
// searches for.
type Advertisement struct {
	NT  string
	USN string
}

// AdvertisementTargets derives the full advertised-target set for a root
// device: upnp:rootdevice for the root, then per device its UUID target
// and device type, then one target per service type per device.
func AdvertisementTargets(rd *model.RootDevice) []Advertisement {
	var out []Advertisement

	out = append(out, Advertisement{
		NT:  RootDeviceTarget,
		USN: model.USN{UDN: rd.UDN, Target: RootDeviceTarget}.String(),
	})

	rd.Walk(func(d *model.Device) {
		out = append(out, Advertisement{
			NT:  d.UDN.String(),
			USN: d.UDN.String(),
		})
		out = append(out, Advertisement{
			NT:  d.Type.String(),
			USN: model.USN{UDN: d.UDN, Target: d.Type.String()}.String(),
		})
		seen := make(map[string]struct{})
		for _, s := range d.Services {
			st := s.Type.String()
			if _, dup := seen[st]; dup {
				continue
			}
			seen[st] = struct{}{}
			out = append(out, Advertisement{
				NT:  st,
				USN: model.USN{UDN: d.UDN, Target: st}.String(),
			})
		}
	})

	return out
}

// MatchTargets selects the advertisements answering a search target:
// ssdp:all matches everything, upnp:rootdevice and uuid targets match
// exactly, and type URNs match any advertised version at or above the
// requested one.
func MatchTargets(st string, adverts []Advertisement) []Advertisement {
	if st == SearchAll {
		return adverts
	}

	want, wantErr := model.ParseTypeURN(st)

	var out []Advertisement
	for _, adv := range adverts {
		if adv.NT == st {
			out = append(out, adv)
			continue
		}
		if wantErr == nil {
			if have, err := model.ParseTypeURN(adv.NT); err == nil && have.Compatible(want) {
				out = append(out, adv)
			}
		}
	}
	return out
}
