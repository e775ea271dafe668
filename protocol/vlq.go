package protocol

// AppendVLQ appends v in Klipper's variable-length encoding: seven bits per
// byte, most significant group first, with a sign-aware range check so
// small negative numbers stay short.
func AppendVLQ(dst []byte, v int32) []byte {
	if v < -(1<<26) || v >= 3<<26 {
		dst = append(dst, byte(v>>28)&0x7F|0x80)
	}
	if v < -(1<<19) || v >= 3<<19 {
		dst = append(dst, byte(v>>21)&0x7F|0x80)
	}
	if v < -(1<<12) || v >= 3<<12 {
		dst = append(dst, byte(v>>14)&0x7F|0x80)
	}
	if v < -(1<<5) || v >= 3<<5 {
		dst = append(dst, byte(v>>7)&0x7F|0x80)
	}
	return append(dst, byte(v)&0x7F)
}

func AppendVLQUint(dst []byte, v uint32) []byte {
	return AppendVLQ(dst, int32(v))
}

// AppendVLQBytes appends a length-prefixed byte string.
func AppendVLQBytes(dst, p []byte) []byte {
	dst = AppendVLQUint(dst, uint32(len(p)))
	return append(dst, p...)
}

// DecodeVLQ decodes one value from the front of *data and advances it.
func DecodeVLQ(data *[]byte) (int32, error) {
	p := *data
	if len(p) == 0 {
		return 0, ErrBufferTooSmall
	}
	c := uint32(p[0])
	v := c & 0x7F
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}
	i := 1
	for c&0x80 != 0 {
		if i == len(p) {
			return 0, ErrBufferTooSmall
		}
		if i == 5 {
			return 0, ErrInvalidVLQ
		}
		c = uint32(p[i])
		v = v<<7 | c&0x7F
		i++
	}
	*data = p[i:]
	return int32(v), nil
}

func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQ(data)
	return uint32(v), err
}

// DecodeVLQBytes decodes a length-prefixed byte string. The result aliases
// the input.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	rest := *data
	n, err := DecodeVLQUint(&rest)
	if err != nil {
		return nil, err
	}
	if uint32(len(rest)) < n {
		return nil, ErrBufferTooSmall
	}
	*data = rest[n:]
	return rest[:n:n], nil
}
