package livestream

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownSource is returned when no profile exists for a source kind.
var ErrUnknownSource = errors.New("unknown source kind")

// Profile parameter keys understood by BuildArgs.
const (
	ParamFormat    = "format"    // ffmpeg demuxer passed with -f
	ParamInput     = "input"     // value passed with -i
	ParamListen    = "listen"    // "1" makes ffmpeg wait for the publisher
	ParamTransport = "transport" // extra input options, space separated
)

// ProfileRegistry is the static catalog of ingest profiles keyed by source kind.
type ProfileRegistry struct {
	profiles map[SourceKind]SourceProfile
}

// NewProfileRegistry copies the given profiles; later changes to the arguments
// are not observed.
func NewProfileRegistry(profiles ...SourceProfile) *ProfileRegistry {
	r := &ProfileRegistry{profiles: make(map[SourceKind]SourceProfile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.Kind] = copyProfile(p)
	}
	return r
}

// ProfileOptions carries the per-deployment values of the default profiles.
type ProfileOptions struct {
	NDISourceName string
	RTMPListenURL string
	SRTListenURL  string
}

// DefaultProfiles returns the NDI, RTMP and SRT ingest profiles.
func DefaultProfiles(opts ProfileOptions) *ProfileRegistry {
	if opts.NDISourceName == "" {
		opts.NDISourceName = "PRODUCTION (Program)"
	}
	if opts.RTMPListenURL == "" {
		opts.RTMPListenURL = "rtmp://0.0.0.0:1935/live/program"
	}
	if opts.SRTListenURL == "" {
		opts.SRTListenURL = "srt://0.0.0.0:9000?mode=listener&latency=200000"
	}
	return NewProfileRegistry(
		SourceProfile{Kind: SourceNDI, Params: map[string]string{
			ParamFormat: "libndi_newtek",
			ParamInput:  opts.NDISourceName,
		}},
		SourceProfile{Kind: SourceRTMP, Params: map[string]string{
			ParamFormat: "flv",
			ParamInput:  opts.RTMPListenURL,
			ParamListen: "1",
		}},
		SourceProfile{Kind: SourceSRT, Params: map[string]string{
			ParamFormat: "mpegts",
			ParamInput:  opts.SRTListenURL,
		}},
	)
}

// Lookup returns a copy of the profile for kind.
func (r *ProfileRegistry) Lookup(kind SourceKind) (SourceProfile, error) {
	p, ok := r.profiles[SourceKind(strings.ToLower(string(kind)))]
	if !ok {
		return SourceProfile{}, fmt.Errorf("%w: %q", ErrUnknownSource, kind)
	}
	return copyProfile(p), nil
}

// Has reports whether kind is registered.
func (r *ProfileRegistry) Has(kind SourceKind) bool {
	_, err := r.Lookup(kind)
	return err == nil
}

// Kinds returns the registered source kinds in sorted order.
func (r *ProfileRegistry) Kinds() []SourceKind {
	kinds := make([]SourceKind, 0, len(r.profiles))
	for k := range r.profiles {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func copyProfile(p SourceProfile) SourceProfile {
	params := make(map[string]string, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	return SourceProfile{Kind: p.Kind, Params: params}
}
