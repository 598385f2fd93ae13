package pulse

import (
	"fmt"
	"io"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"

	"github.com/pulsetap/pulsetap/internal/audiocore"
	"github.com/pulsetap/pulsetap/internal/errors"
)

// volumeNorm is the host's 100% channel volume
const volumeNorm = 0x10000

type pulseBackend struct {
	client  *pulse.Client
	appName string
}

// NewPulseBackend connects to the PulseAudio compatible server. An empty
// server uses the default from the environment. Connection refused or a
// missing service is reported here.
func NewPulseBackend(appName, server string) (Backend, error) {
	opts := []pulse.ClientOption{pulse.ClientApplicationName(appName)}
	if server != "" {
		opts = append(opts, pulse.ClientServerString(server))
	}

	client, err := pulse.NewClient(opts...)
	if err != nil {
		return nil, errors.New(err).
			Component("pulse").
			Category(errors.CategoryConnection).
			Context("operation", "connect").
			Context("server", server).
			Build()
	}

	return &pulseBackend{client: client, appName: appName}, nil
}

func (b *pulseBackend) ListSinkInputs() ([]SinkInput, error) {
	var reply proto.GetSinkInputInfoListReply
	if err := b.client.RawRequest(&proto.GetSinkInputInfoList{}, &reply); err != nil {
		return nil, errors.New(err).
			Component("pulse").
			Category(errors.CategoryAudioSource).
			Context("operation", "list_sink_inputs").
			Build()
	}

	inputs := make([]SinkInput, 0, len(reply))
	for _, info := range reply {
		if info == nil {
			continue
		}
		inputs = append(inputs, sinkInputFromInfo(info))
	}
	return inputs, nil
}

func sinkInputFromInfo(info *proto.GetSinkInputInfoReply) SinkInput {
	props := make(map[string]string, len(info.Properties))
	for k, v := range info.Properties {
		props[k] = v.String()
	}

	return SinkInput{
		Index:     info.SinkInputIndex,
		Name:      info.MediaName,
		SinkIndex: info.SinkIndex,
		Volume:    averageVolume(info.ChannelVolumes),
		Corked:    info.Corked,
		Props:     props,
	}
}

func averageVolume(volumes []uint32) float32 {
	if len(volumes) == 0 {
		return 1
	}
	var sum uint64
	for _, v := range volumes {
		sum += uint64(v)
	}
	return float32(float64(sum) / float64(len(volumes)) / volumeNorm)
}

func (b *pulseBackend) OpenCapture(input SinkInput, w io.Writer, fragmentSize int) (Capture, error) {
	var sink proto.GetSinkInfoReply
	if err := b.client.RawRequest(&proto.GetSinkInfo{SinkIndex: input.SinkIndex}, &sink); err != nil {
		return nil, errors.New(err).
			Component("pulse").
			Category(errors.CategoryAudioSource).
			Context("operation", "lookup_sink_monitor").
			Context("sink_index", input.SinkIndex).
			Build()
	}

	stream, err := b.client.NewRecord(
		pulse.NewWriter(w, proto.FormatFloat32LE),
		pulse.RecordStereo,
		pulse.RecordSampleRate(audiocore.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(fragmentSize)),
		pulse.RecordMediaName(fmt.Sprintf("%s capture of %s", b.appName, input.Name)),
		pulse.RecordRawOption(pinToSinkInput(input, sink.MonitorSourceIndex)),
	)
	if err != nil {
		return nil, errors.New(err).
			Component("pulse").
			Category(errors.CategoryAudioSource).
			Context("operation", "open_capture").
			Context("sink_input", input.Index).
			Build()
	}
	return stream, nil
}

// pinToSinkInput records only the given sink input from its sink's monitor and
// keeps the stream on that monitor when the input is moved to another sink.
func pinToSinkInput(input SinkInput, monitorSource uint32) func(*proto.CreateRecordStream) {
	return func(c *proto.CreateRecordStream) {
		c.SourceIndex = monitorSource
		c.SourceName = ""
		c.DirectOnInputIndex = input.Index
		c.NoMove = true
	}
}

func (b *pulseBackend) Close() error {
	b.client.Close()
	return nil
}
