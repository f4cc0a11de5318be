package condamap

var (
	EncodePartial = encodePartial
	DecodePartial = decodePartial
)
