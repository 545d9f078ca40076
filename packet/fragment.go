package packet

// MaxPayload returns the largest payload fitting into a single packet on a link with the given
// MTU. When padded, worst-case padding is reserved.
func MaxPayload(mtu int, padded bool) int {
	n := mtu - HeaderSize
	if padded {
		n -= BlockSize - 1
	}
	return n
}

// Fragment splits payload into packets carrying at most maxPayload bytes each. All packets but
// the last one have the split flag set. Sequence numbers are assigned later, when packets are
// dispatched.
func Fragment(h Header, payload []byte, maxPayload int, padded bool) []*Packet {
	if maxPayload <= 0 {
		return nil
	}

	n := (len(payload) + maxPayload - 1) / maxPayload
	if n == 0 {
		n = 1
	}

	pkts := make([]*Packet, 0, n)
	for i := range n {
		start := i * maxPayload
		end := min(start+maxPayload, len(payload))

		fh := h
		fh.Split = i < n-1
		pkts = append(pkts, New(fh, payload[start:end], padded))
	}
	return pkts
}
