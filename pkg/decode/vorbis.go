package decode

import (
	"fmt"

	"github.com/snapclient/snapclient-go/pkg/audio"
	"github.com/snapclient/snapclient-go/pkg/enginerr"
)

// NewVorbis always fails: no Vorbis/Ogg decode library exists anywhere
// in this engine's dependency graph. The codec tag is still recognized
// by the factory so handshake/capability negotiation never treats it
// as malformed, but a session offering it cannot be played. Returning
// Fatal here (rather than, say, Transient-skipping every chunk) tears
// the session down cleanly instead of silently degrading to garbage.
func NewVorbis(_ audio.Format, _ []byte) (Decoder, error) {
	return nil, enginerr.New(enginerr.Fatal, "decode.vorbis", fmt.Errorf("vorbis/ogg decoding is not supported"))
}
