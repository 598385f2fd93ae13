package audiocore

import (
	"github.com/pulsetap/pulsetap/internal/errors"
)

// Component identifier for audiocore errors
const ComponentAudioCore = "audiocore"

// ErrInvalidAudioFormat is returned when a buffer is not f32le stereo
var ErrInvalidAudioFormat = errors.Newf("invalid audio format").
	Component(ComponentAudioCore).
	Category(errors.CategoryValidation).
	Context("resource", "audio_format").
	Build()
