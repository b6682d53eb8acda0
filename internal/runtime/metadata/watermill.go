package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies Watermill headers.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies headers into a Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	if len(md) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}
