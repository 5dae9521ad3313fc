package index

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"

	"github.com/kamusis/pkgidx/internal/catalog"
)

// Version details are stored as zstd-compressed JSON; they are displayed but
// never searched.
var (
	detailsEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	detailsDecoder, _ = zstd.NewReader(nil)
)

func encodeDetails(d catalog.Details) ([]byte, error) {
	if d == (catalog.Details{}) {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return detailsEncoder.EncodeAll(raw, nil), nil
}

func decodeDetails(blob []byte) (catalog.Details, error) {
	var d catalog.Details
	if len(blob) == 0 {
		return d, nil
	}
	raw, err := detailsDecoder.DecodeAll(blob, nil)
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(raw, &d)
	return d, err
}
