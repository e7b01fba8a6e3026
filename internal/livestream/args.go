package livestream

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// OutputOptions describes where the segmented HLS output goes and how it is
// reached by viewers.
type OutputOptions struct {
	Dir            string
	PlaylistName   string
	PublicBase     string
	SegmentSeconds int
	ListSize       int
}

func (o OutputOptions) withDefaults() OutputOptions {
	if o.Dir == "" {
		o.Dir = "./hls"
	}
	if o.PlaylistName == "" {
		o.PlaylistName = "stream.m3u8"
	}
	if o.PublicBase == "" {
		o.PublicBase = "/hls"
	}
	if o.SegmentSeconds <= 0 {
		o.SegmentSeconds = 2
	}
	if o.ListSize <= 0 {
		o.ListSize = 6
	}
	return o
}

// qualityPreset holds the encoder settings of one quality level.
type qualityPreset struct {
	width, height int
	videoKbps     int
	audioKbps     int
}

var qualityPresets = map[string]qualityPreset{
	"low":  {width: 854, height: 480, videoKbps: 800, audioKbps: 96},
	"sd":   {width: 1280, height: 720, videoKbps: 2000, audioKbps: 128},
	"hd":   {width: 1920, height: 1080, videoKbps: 4500, audioKbps: 160},
	"auto": {videoKbps: 3000, audioKbps: 128},
}

// BuildArgs assembles the transcoder argument list: global flags, the ingest
// side from profile (with cfg.SourceURL overriding the profile input), the
// HLS output and one extra output per enabled secondary transport.
func BuildArgs(profile SourceProfile, cfg StreamingConfig, out OutputOptions) ([]string, error) {
	out = out.withDefaults()

	input := strings.TrimSpace(cfg.SourceURL)
	if input == "" {
		input = profile.Params[ParamInput]
	}
	if input == "" {
		return nil, fmt.Errorf("%w: no input for source %q", ErrInvalidConfig, profile.Kind)
	}

	args := []string{"-hide_banner", "-nostdin", "-loglevel", "warning", "-stats"}

	if extra := profile.Params[ParamTransport]; extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	if profile.Params[ParamListen] == "1" {
		args = append(args, "-listen", "1")
	}
	if f := profile.Params[ParamFormat]; f != "" {
		args = append(args, "-f", f)
	}
	args = append(args, "-i", input)

	preset, ok := qualityPresets[cfg.Quality]
	if !ok {
		preset = qualityPresets["auto"]
	}
	enc := encoderArgs(preset, out.SegmentSeconds)

	args = append(args, enc...)
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(out.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(out.ListSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", filepath.Join(out.Dir, segmentPattern(out.PlaylistName)),
		filepath.Join(out.Dir, out.PlaylistName),
	)

	for _, name := range enabledTransports(cfg) {
		t := cfg.Transports[name]
		switch name {
		case "srt":
			args = append(args, enc...)
			args = append(args, "-f", "mpegts", srtOutputURL(t))
		case "rtmp":
			args = append(args, enc...)
			args = append(args, "-f", "flv", t.URL)
		}
	}

	return args, nil
}

// BuildEndpoints returns the URLs announced to viewers with stream-started.
func BuildEndpoints(cfg StreamingConfig, out OutputOptions) Endpoints {
	out = out.withDefaults()
	ep := Endpoints{HLS: joinURL(out.PublicBase, out.PlaylistName)}
	for _, name := range enabledTransports(cfg) {
		if ep.Transports == nil {
			ep.Transports = make(map[string]string)
		}
		ep.Transports[name] = cfg.Transports[name].URL
	}
	return ep
}

func encoderArgs(p qualityPreset, segmentSeconds int) []string {
	gop := strconv.Itoa(segmentSeconds * 30)
	args := []string{
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-b:v", fmt.Sprintf("%dk", p.videoKbps),
		"-maxrate", fmt.Sprintf("%dk", p.videoKbps),
		"-bufsize", fmt.Sprintf("%dk", p.videoKbps*2),
	}
	if p.width > 0 && p.height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", p.width, p.height))
	}
	return append(args,
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", p.audioKbps),
		"-ar", "48000",
	)
}

// enabledTransports returns the supported, enabled transports with a URL, sorted.
func enabledTransports(cfg StreamingConfig) []string {
	var names []string
	for name, t := range cfg.Transports {
		if !t.Enabled || t.URL == "" {
			continue
		}
		if name != "srt" && name != "rtmp" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// srtOutputURL adds the configured latency (ffmpeg expects microseconds)
// unless the URL already carries one.
func srtOutputURL(t TransportSettings) string {
	if t.LatencyMs <= 0 {
		return t.URL
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return t.URL
	}
	q := u.Query()
	if q.Get("latency") != "" {
		return t.URL
	}
	q.Set("latency", strconv.Itoa(t.LatencyMs*1000))
	u.RawQuery = q.Encode()
	return u.String()
}

func segmentPattern(playlist string) string {
	base := strings.TrimSuffix(playlist, filepath.Ext(playlist))
	return base + "_%05d.ts"
}

func joinURL(base, name string) string {
	if u, err := url.Parse(base); err == nil && u.Scheme != "" {
		u.Path = path.Join("/", u.Path, name)
		return u.String()
	}
	return path.Join("/", base, name)
}
