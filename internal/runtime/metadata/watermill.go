package metadata

import (
	"slices"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies Watermill metadata into delivery headers, leaving out
// the omitted transport keys. The result is never nil.
func FromWatermill(md message.Metadata, omit ...string) Metadata {
	headers := make(Metadata, len(md))
	for k, v := range md {
		if slices.Contains(omit, k) {
			continue
		}
		headers[k] = v
	}
	return headers
}

// ToWatermill copies the headers onto an outgoing Watermill message. Empty
// values are not sent.
func (m Metadata) ToWatermill() message.Metadata {
	wm := make(message.Metadata, len(m))
	for k, v := range m {
		if v == "" {
			continue
		}
		wm[k] = v
	}
	return wm
}
