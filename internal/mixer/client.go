// Package mixer implements the serialized TCP control channel to the
// external audio engine: one fresh connection per command, a single
// process-wide mutex, and typed wrappers around every control operation.
package mixer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
)

// ConfigPersister is the narrow slice of the config store the mixer client
// needs: persisting clamped scalars so they survive a restart.
type ConfigPersister interface {
	Set(ctx context.Context, section, key string, value any) error
}

const configSection = "mixer"

// engine variable names, set via "var.set <name> = <value>" and read back
// via "var.get <name>".
const (
	varMusicVolume  = "music_vol"
	varTTSVolume    = "tts_vol"
	varEarconVolume = "earcon_vol"
	varDuckAmount   = "duck_amount"
	varCrossfade    = "crossfade_duration"
	varDuckInSecs   = "duck_in_duration"
	varDuckOutSecs  = "duck_out_duration"
	varDuckInCurve  = "duck_in_curve"
	varDuckOutCurve = "duck_out_curve"
	varRandomMode   = "random_mode"
)

// Client is the serialized control channel. All exported operations funnel
// through sendCommand behind mu, so concurrent callers queue rather than
// race; the engine only ever sees one command in flight.
type Client struct {
	addr   string
	mu     sync.Mutex
	config ConfigPersister
	paths  []PathMapping

	muteMu     sync.Mutex
	preMuteVol map[string]float64 // engine var name -> volume before mute

	randomMu   sync.Mutex
	randomMode bool
}

// New creates a mixer Client for the given "host:port" control address.
func New(addr string, config ConfigPersister, paths []PathMapping) *Client {
	return &Client{
		addr:       addr,
		config:     config,
		paths:      paths,
		preMuteVol: make(map[string]float64),
	}
}

func (c *Client) send(ctx context.Context, command string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines, err := sendCommand(ctx, c.addr, command)
	if err != nil {
		slog.Error("mixer: command failed", "command", command, "error", err)
		return nil, err
	}
	return lines, nil
}

// Start probes connectivity with "version". It does not read persisted
// audio settings back or apply them to the engine (ConfigPersister only
// writes), so each scalar stays at whatever the engine already holds until
// the next explicit Set call. On failure it logs and returns the error
// for the caller to decide whether startup should continue.
func (c *Client) Start(ctx context.Context) error {
	if _, err := c.send(ctx, "version"); err != nil {
		return err
	}
	slog.Info("mixer: connected")
	return nil
}

// Stop is a no-op; the client holds no persistent resources to release.
func (c *Client) Stop() {}

// QueueTTS pushes a pre-generated voice file to the TTS queue.
func (c *Client) QueueTTS(ctx context.Context, path string) error {
	return c.queuePush(ctx, "tts.push", path)
}

// QueueEarcon pushes an overlay voice file to the earcon queue.
func (c *Client) QueueEarcon(ctx context.Context, path string) error {
	return c.queuePush(ctx, "earcons.push", path)
}

// QueueMusic pushes a music track to the engine's play queue.
func (c *Client) QueueMusic(ctx context.Context, path string) error {
	return c.queuePush(ctx, "music_q.push", path)
}

func (c *Client) queuePush(ctx context.Context, command, hostPath string) error {
	enginePath := translatePath(c.paths, hostPath)
	_, err := c.send(ctx, fmt.Sprintf("%s %s", command, enginePath))
	return err
}

// MusicQueueLength returns the engine's reported queue depth, or 0 on parse
// failure. Matches the source's behavior: no retry on a transient failure.
func (c *Client) MusicQueueLength(ctx context.Context) int {
	lines, err := c.send(ctx, "music_q.queue_length")
	if err != nil || len(lines) == 0 {
		return 0
	}
	return parseIntOr(lines[0], 0)
}

// FlushTTS clears the engine's TTS queue.
func (c *Client) FlushTTS(ctx context.Context) error {
	_, err := c.send(ctx, "tts.flush_and_skip")
	return err
}

// SkipTTS skips the currently playing voice segment.
func (c *Client) SkipTTS(ctx context.Context) error {
	_, err := c.send(ctx, "tts.skip")
	return err
}

// NextTrack skips the currently playing music track.
func (c *Client) NextTrack(ctx context.Context) error {
	_, err := c.send(ctx, "music.skip")
	return err
}

// GetTrackInfo parses "music.info" output into a TrackInfo; unrecognized
// keys are ignored.
func (c *Client) GetTrackInfo(ctx context.Context) (TrackInfo, error) {
	lines, err := c.send(ctx, "music.info")
	if err != nil {
		return TrackInfo{}, err
	}
	return parseTrackInfo(lines), nil
}

// GetRemaining returns the seconds remaining in the current track, or -1 on
// error.
func (c *Client) GetRemaining(ctx context.Context) float64 {
	return c.getSeconds(ctx, "music.remaining")
}

// GetElapsed returns the seconds elapsed in the current track, or -1 on
// error.
func (c *Client) GetElapsed(ctx context.Context) float64 {
	return c.getSeconds(ctx, "music.elapsed")
}

func (c *Client) getSeconds(ctx context.Context, command string) float64 {
	lines, err := c.send(ctx, command)
	if err != nil || len(lines) == 0 {
		return -1.0
	}
	v, perr := strconv.ParseFloat(lines[0], 64)
	if perr != nil {
		return -1.0
	}
	return v
}

func (c *Client) getVar(ctx context.Context, name string) (string, error) {
	lines, err := c.send(ctx, fmt.Sprintf("var.get %s", name))
	if err != nil || len(lines) == 0 {
		return "", fmt.Errorf("mixer: get_var %s: %w", name, ErrUnreachable)
	}
	return lines[0], nil
}

func (c *Client) setVar(ctx context.Context, name string, value float64) error {
	_, err := c.send(ctx, fmt.Sprintf("var.set %s = %v", name, value))
	return err
}

func (c *Client) persist(ctx context.Context, key string, value float64) {
	if c.config == nil {
		return
	}
	if err := c.config.Set(ctx, configSection, key, value); err != nil {
		slog.Warn("mixer: failed to persist setting", "key", key, "error", err)
	}
}

// SetMusicVolume clamps to [0,1], sets the engine variable, and persists it
// unless persist is false.
func (c *Client) SetMusicVolume(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varMusicVolume, clamp(v, 0, 1), persist)
}

// SetTTSVolume clamps to [0,1].
func (c *Client) SetTTSVolume(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varTTSVolume, clamp(v, 0, 1), persist)
}

// SetEarconVolume clamps to [0,1].
func (c *Client) SetEarconVolume(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varEarconVolume, clamp(v, 0, 1), persist)
}

// SetDuckAmount clamps to [0,1].
func (c *Client) SetDuckAmount(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varDuckAmount, clamp(v, 0, 1), persist)
}

// SetCrossfadeDuration clamps to [1,15] seconds.
func (c *Client) SetCrossfadeDuration(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varCrossfade, clamp(v, 1, 15), persist)
}

// SetDuckInDuration clamps to [0.05,5.0] seconds.
func (c *Client) SetDuckInDuration(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varDuckInSecs, clamp(v, 0.05, 5.0), persist)
}

// SetDuckOutDuration clamps to [0.05,5.0] seconds.
func (c *Client) SetDuckOutDuration(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varDuckOutSecs, clamp(v, 0.05, 5.0), persist)
}

// SetDuckInCurve clamps to [0,1].
func (c *Client) SetDuckInCurve(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varDuckInCurve, clamp(v, 0, 1), persist)
}

// SetDuckOutCurve clamps to [0,1].
func (c *Client) SetDuckOutCurve(ctx context.Context, v float64, persist bool) error {
	return c.setScalar(ctx, varDuckOutCurve, clamp(v, 0, 1), persist)
}

func (c *Client) setScalar(ctx context.Context, varName string, clamped float64, persist bool) error {
	if err := c.setVar(ctx, varName, clamped); err != nil {
		return err
	}
	if persist {
		c.persist(ctx, varName, clamped)
	}
	return nil
}

// GetVolumes reads all nine scalars; any field that fails to read or parse
// falls back to its documented default independently of the others.
func (c *Client) GetVolumes(ctx context.Context) Volumes {
	return Volumes{
		Music:         c.readOrDefault(ctx, varMusicVolume, DefaultVolumes.Music),
		TTS:           c.readOrDefault(ctx, varTTSVolume, DefaultVolumes.TTS),
		Earcon:        c.readOrDefault(ctx, varEarconVolume, DefaultVolumes.Earcon),
		DuckAmount:    c.readOrDefault(ctx, varDuckAmount, DefaultVolumes.DuckAmount),
		CrossfadeSecs: c.readOrDefault(ctx, varCrossfade, DefaultVolumes.CrossfadeSecs),
		DuckInSecs:    c.readOrDefault(ctx, varDuckInSecs, DefaultVolumes.DuckInSecs),
		DuckOutSecs:   c.readOrDefault(ctx, varDuckOutSecs, DefaultVolumes.DuckOutSecs),
		DuckInCurve:   c.readOrDefault(ctx, varDuckInCurve, DefaultVolumes.DuckInCurve),
		DuckOutCurve:  c.readOrDefault(ctx, varDuckOutCurve, DefaultVolumes.DuckOutCurve),
	}
}

func (c *Client) readOrDefault(ctx context.Context, varName string, fallback float64) float64 {
	raw, err := c.getVar(ctx, varName)
	if err != nil {
		return fallback
	}
	return parseFloatOr(raw, fallback)
}

// GetCrossfadeDuration is a convenience accessor used by the voice scheduler
// to compute bridge timing.
func (c *Client) GetCrossfadeDuration(ctx context.Context) float64 {
	return c.readOrDefault(ctx, varCrossfade, DefaultVolumes.CrossfadeSecs)
}

// ToggleMusicMute toggles music between 0 and its pre-mute volume.
func (c *Client) ToggleMusicMute(ctx context.Context) error {
	return c.toggleMute(ctx, varMusicVolume)
}

// ToggleTTSMute toggles TTS volume between 0 and its pre-mute volume.
func (c *Client) ToggleTTSMute(ctx context.Context) error {
	return c.toggleMute(ctx, varTTSVolume)
}

// ToggleEarconMute toggles earcon volume between 0 and its pre-mute volume.
func (c *Client) ToggleEarconMute(ctx context.Context) error {
	return c.toggleMute(ctx, varEarconVolume)
}

func (c *Client) toggleMute(ctx context.Context, varName string) error {
	c.muteMu.Lock()
	defer c.muteMu.Unlock()

	current := c.readOrDefault(ctx, varName, 0)
	if current == 0 {
		restore := c.preMuteVol[varName]
		return c.setScalar(ctx, varName, restore, true)
	}

	c.preMuteVol[varName] = current
	return c.setScalar(ctx, varName, 0, true)
}

// ToggleRandom flips the in-memory random-playback flag and persists it.
// It does NOT reload the engine's actual playlist mode: no wire command
// exists for that, and the source engine only ever tracked this as a local
// boolean (see Open Question #1 in the design notes).
func (c *Client) ToggleRandom(ctx context.Context) bool {
	c.randomMu.Lock()
	defer c.randomMu.Unlock()

	c.randomMode = !c.randomMode
	value := 0.0
	if c.randomMode {
		value = 1.0
	}
	c.persist(ctx, varRandomMode, value)
	return c.randomMode
}

// RandomMode reports the current in-memory random-playback flag.
func (c *Client) RandomMode() bool {
	c.randomMu.Lock()
	defer c.randomMu.Unlock()
	return c.randomMode
}
