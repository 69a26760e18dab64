package codec

// CRC-8 (reflected poly=0xB2 i.e. normal 0x4D, init=0xFF, xorout=0xFF).

var crc8Table [256]uint8

func init() {
	const poly = 0xB2
	for i := range 256 {
		crc := uint8(i)
		for range 8 {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crc8Table[i] = crc
	}
}

func crc8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}
