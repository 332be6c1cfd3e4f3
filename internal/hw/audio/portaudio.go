package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/cjeanneret/trackhead/internal/debug"
)

// StreamConfig selects the output device.
type StreamConfig struct {
	DeviceIndex  int // -1 for the default output device
	SampleRate   int
	BufferFrames int // 0 lets the host choose
}

// Stream is a running output stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// OpenFunc opens a stereo float32 output stream that pulls samples from gen.
type OpenFunc func(cfg StreamConfig, gen *Generator) (Stream, error)

// OpenPortAudio is the OpenFunc backed by PortAudio.
func OpenPortAudio(cfg StreamConfig, gen *Generator) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	dev, err := outputDevice(cfg.DeviceIndex)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	debug.Verbose("audio output device: %s (%d channels)", dev.Name, dev.MaxOutputChannels)

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 2
	params.SampleRate = float64(cfg.SampleRate)
	if cfg.BufferFrames > 0 {
		params.FramesPerBuffer = cfg.BufferFrames
	}

	callback := func(out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.OutputUnderflow != 0 {
			gen.ReportUnderrun()
		}
		gen.Fill(out)
	}
	s, err := portaudio.OpenStream(params, callback)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open audio stream on %q: %w", dev.Name, err)
	}
	return &paStream{stream: s}, nil
}

func outputDevice(index int) (*portaudio.DeviceInfo, error) {
	if index < 0 {
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("default output device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	if index >= len(devices) {
		return nil, fmt.Errorf("audio device index %d out of range (%d devices)", index, len(devices))
	}
	dev := devices[index]
	if dev.MaxOutputChannels < 2 {
		return nil, fmt.Errorf("audio device %q has %d output channels, need 2", dev.Name, dev.MaxOutputChannels)
	}
	return dev, nil
}

type paStream struct {
	stream *portaudio.Stream
}

func (s *paStream) Start() error { return s.stream.Start() }
func (s *paStream) Stop() error  { return s.stream.Stop() }

func (s *paStream) Close() error {
	err := s.stream.Close()
	if termErr := portaudio.Terminate(); err == nil {
		err = termErr
	}
	return err
}
