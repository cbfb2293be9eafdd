package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/MrWong99/livedub/internal/capture"
	"github.com/MrWong99/livedub/internal/config"
	"github.com/MrWong99/livedub/pkg/audio/playback"
	"github.com/MrWong99/livedub/pkg/audio/wavfile"
)

// ErrUnknownTab is returned when a session names a tab that is not configured.
var ErrUnknownTab = errors.New("app: unknown tab")

const (
	defaultSourceDriver = "silence"
	defaultDeviceDriver = "discard"
	defaultDeviceRate   = 48000
)

// RegisterBuiltinDrivers registers the sources and devices that ship with
// livedub.
//
// Sources:
//   - "wav": streams options.path in real time (options.loop, default true;
//     options.block, frames per block).
//   - "silence": endless silence at options.rate (default 48000) with
//     options.channels (default 2).
//
// Devices:
//   - "wav": renders against the wall clock and writes options.path, or a
//     timestamped file in options.dir, on close.
//   - "discard": renders against the wall clock and drops the audio.
func RegisterBuiltinDrivers(reg *config.Registry) {
	reg.RegisterSource("wav", func(e config.DriverEntry, tabID string) (capture.Source, error) {
		path := e.String("path", "")
		if path == "" {
			return nil, fmt.Errorf("app: tab %s: wav source needs options.path", tabID)
		}
		opts := []wavfile.SourceOption{wavfile.WithLoop(e.Bool("loop", true))}
		if n := e.Int("block", 0); n > 0 {
			opts = append(opts, wavfile.WithBlockFrames(n))
		}
		return wavfile.Open(path, opts...)
	})
	reg.RegisterSource("silence", func(e config.DriverEntry, _ string) (capture.Source, error) {
		rate, channels := e.Int("rate", 48000), e.Int("channels", 2)
		if rate <= 0 || channels <= 0 {
			return nil, fmt.Errorf("app: silence source needs a positive rate and channel count")
		}
		pcm := &wavfile.PCM{
			Samples:    make([]int16, max(rate/10, 1)*channels),
			SampleRate: rate,
			Channels:   channels,
		}
		return wavfile.NewSource(pcm, wavfile.WithLoop(true)), nil
	})

	reg.RegisterDevice("wav", func(e config.DriverEntry, rate int) (playback.Device, error) {
		path := e.String("path", "")
		if path == "" {
			dir := e.String("dir", "")
			if dir == "" {
				return nil, errors.New("app: wav device needs options.path or options.dir")
			}
			path = filepath.Join(dir, "livedub-"+time.Now().UTC().Format("20060102T150405.000")+".wav")
		}
		return wavfile.Create(path, rate)
	})
	reg.RegisterDevice("discard", func(_ config.DriverEntry, rate int) (playback.Device, error) {
		return wavfile.NewDiscardDevice(rate), nil
	})
}

// ── Session collaborators ────────────────────────────────────────────────────

// tabSources acquires capture sources through the driver registry, using the
// capture driver overlaid with the tab's own source options.
type tabSources struct{ app *App }

func (s tabSources) Acquire(ctx context.Context, tabID string) (capture.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := s.app.Config()
	tab, ok := cfg.Tab(tabID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTab, tabID)
	}
	entry := cfg.SourceFor(tab)
	if entry.Name == "" {
		entry.Name = defaultSourceDriver
	}
	return s.app.registry.CreateSource(entry, tabID)
}

// registryDevices opens the configured playback device.
type registryDevices struct{ app *App }

func (d registryDevices) Open(ctx context.Context) (playback.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := d.app.Config()
	entry := cfg.Playback.Driver
	if entry.Name == "" {
		entry.Name = defaultDeviceDriver
	}
	rate := cfg.Playback.SampleRate
	if rate <= 0 {
		rate = defaultDeviceRate
	}
	return d.app.registry.CreateDevice(entry, rate)
}
