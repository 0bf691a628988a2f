package storyvoice

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio initialization is global and refcounted: the capture engine
// and the playback scheduler each hold a reference, and the library is
// terminated only when the last holder releases.
var (
	paMu   sync.Mutex
	paRefs int
)

func acquirePortAudio() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return err
		}
	}
	paRefs++
	return nil
}

func releasePortAudio() {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		return
	}
	paRefs--
	if paRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// DeviceInfo describes an audio device for the CLI devices listing.
type DeviceInfo struct {
	Index      int
	Name       string
	MaxInputs  int
	MaxOutputs int
	SampleRate float64
	Default    bool
}

// ListAudioDevices enumerates the host's audio devices.
func ListAudioDevices() ([]DeviceInfo, error) {
	if err := acquirePortAudio(); err != nil {
		return nil, err
	}
	defer releasePortAudio()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	defaultIn, _ := portaudio.DefaultInputDevice()

	out := make([]DeviceInfo, 0, len(devices))
	for i, d := range devices {
		out = append(out, DeviceInfo{
			Index:      i,
			Name:       d.Name,
			MaxInputs:  d.MaxInputChannels,
			MaxOutputs: d.MaxOutputChannels,
			SampleRate: d.DefaultSampleRate,
			Default:    defaultIn != nil && d.Name == defaultIn.Name,
		})
	}
	return out, nil
}
