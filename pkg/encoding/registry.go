package encoding

// NewEncoderSet builds one fresh Encoder per supported Type, keyed by
// Type, for a single connection. Callers (pkg/rfb) pick which ones to
// actually use based on the client's SetEncodings list; encoders never
// used are simply never Encode()-d, and Close() is only required for
// ones that were constructed.
func NewEncoderSet(zlibLevel, tightQuality int) map[Type]Encoder {
	return map[Type]Encoder{
		Raw:      NewRaw(),
		CopyRect: NewCopyRect(),
		RRE:      NewRRE(),
		CoRRE:    NewCoRRE(),
		Hextile:  NewHextile(),
		Zlib:     NewZlib(zlibLevel),
		ZlibHex:  NewZlibHex(zlibLevel),
		Tight:    NewTight(tightQuality),
		ZRLE:     NewZRLE(),
		H264:     NewH264(),
	}
}

// NewDecoderSet is the client-side mirror of NewEncoderSet.
func NewDecoderSet() map[Type]Decoder {
	return map[Type]Decoder{
		Raw:      NewRawDecoder(),
		CopyRect: NewCopyRectDecoder(),
		RRE:      NewRREDecoder(),
		CoRRE:    NewCoRREDecoder(),
		Hextile:  NewHextileDecoder(),
		Zlib:     NewZlibDecoder(),
		ZlibHex:  NewZlibHexDecoder(),
		Tight:    NewTightDecoder(),
		ZRLE:     NewZRLEDecoder(),
		H264:     NewH264Decoder(),
	}
}
