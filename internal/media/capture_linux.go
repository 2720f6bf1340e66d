//go:build linux

package media

import (
	"context"
	"image"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
)

// Device captures camera/mic via pion/mediadevices (V4L2 + malgo).
type Device struct{}

func NewDevice() *Device { return &Device{} }

func (d *Device) Acquire(ctx context.Context, c Constraints) (Handle, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrDeviceNotFound
	}
	for _, dev := range devices {
		log.Printf("MEDIA: device kind=%v label=%q", dev.Kind, dev.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if c.Video {
		constraints.Video = func(mt *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			mt.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.MaxWidth > 0 {
				mt.Width = prop.IntRanged{Max: c.MaxWidth}
			}
			if c.MaxHeight > 0 {
				mt.Height = prop.IntRanged{Max: c.MaxHeight}
			}
			if c.PreferredCam != "" {
				mt.DeviceID = prop.String(c.PreferredCam)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mt *mediadevices.MediaTrackConstraints) {
			if c.PreferredMic != "" {
				mt.DeviceID = prop.String(c.PreferredMic)
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		log.Printf("MEDIA: GetUserMedia failed: %v", err)
		return nil, classify(err)
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
	}
	log.Printf("MEDIA: captured %d local tracks", len(tracks))

	h := &deviceHandle{selector: selector, tracks: tracks}
	// The mute gates sit in each track's sample pipeline from the start, so
	// a toggle takes effect on the very next frame or chunk.
	for _, t := range tracks {
		switch tr := t.(type) {
		case *mediadevices.VideoTrack:
			tr.Transform(h.gateVideo)
		case *mediadevices.AudioTrack:
			tr.Transform(h.gateAudio)
		}
	}
	return h, nil
}

type deviceHandle struct {
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track

	mu       sync.Mutex
	audioOff bool
	videoOff bool
	released bool
}

func (h *deviceHandle) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(h.tracks))
	for _, t := range h.tracks {
		out = append(out, t)
	}
	return out
}

func (h *deviceHandle) ConfigureEngine(me *webrtc.MediaEngine) error {
	h.selector.Populate(me)
	return nil
}

func (h *deviceHandle) ToggleAudio() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audioOff = !h.audioOff
	log.Printf("MEDIA: audio muted=%v", h.audioOff)
	return h.audioOff
}

func (h *deviceHandle) ToggleVideo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.videoOff = !h.videoOff
	log.Printf("MEDIA: video disabled=%v", h.videoOff)
	return h.videoOff
}

// gateVideo substitutes black frames while the camera is toggled off. The
// device keeps producing, so the encoder pipeline and RTP timestamps stay
// alive and un-muting is instant.
func (h *deviceHandle) gateVideo(r video.Reader) video.Reader {
	var black *image.RGBA
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil {
			return img, release, err
		}
		h.mu.Lock()
		off := h.videoOff
		h.mu.Unlock()
		if !off {
			return img, release, nil
		}
		if black == nil || black.Bounds() != img.Bounds() {
			black = image.NewRGBA(img.Bounds())
		}
		return black, release, nil
	})
}

// gateAudio substitutes silence while the microphone is toggled off.
func (h *deviceHandle) gateAudio(r audio.Reader) audio.Reader {
	var silence *wave.Int16Interleaved
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil {
			return chunk, release, err
		}
		h.mu.Lock()
		off := h.audioOff
		h.mu.Unlock()
		if !off {
			return chunk, release, nil
		}
		if silence == nil || silence.ChunkInfo() != chunk.ChunkInfo() {
			silence = wave.NewInt16Interleaved(chunk.ChunkInfo())
		}
		return silence, release, nil
	})
}

// Release stops every track. Safe to call twice; the second call is a
// no-op, never an error.
func (h *deviceHandle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	for _, t := range h.tracks {
		if err := t.Close(); err != nil {
			log.Printf("MEDIA: track close: %v", err)
		}
	}
	log.Printf("MEDIA: released %d local tracks", len(h.tracks))
}
