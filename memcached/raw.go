package memcached

import (
	"encoding/binary"
	"time"
)

// prepareExtrasWithFlags is like Request.prepareExtras for SET-family opcodes,
// except the flags word is caller-supplied instead of always zero. It is used
// by StoreRaw to round-trip an application-defined 32-bit flag through the
// item's extras, the same 8-byte layout SET/ADD/REPLACE already use.
func prepareExtrasWithFlags(exp, flags uint32) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[:4], flags)
	binary.BigEndian.PutUint32(extras[4:], exp)
	return extras
}

// flagsOf reads back the 32-bit flags word a GET response carries in its
// extras. Absent extras (the common case for values written by plain Store)
// means flags are zero.
func flagsOf(resp *Response) uint32 {
	if resp == nil || len(resp.Extras) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(resp.Extras[:4])
}

// GetRaw is like Get but also returns the item's 32-bit flags word, the way
// raw storage APIs in the wider memcache ecosystem expose it alongside the
// value.
func (c *Client) GetRaw(key string) (_ *Response, flags uint32, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("GetRaw", timer, &err)

	if !legalKey(key) {
		return nil, 0, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return nil, 0, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return nil, 0, err
	}

	req := &Request{
		Opcode: GET,
		Opaque: c.getOpaque(),
		Key:    []byte(key),
	}
	req.prepareExtras(0, 0, 0)

	resp, err := c.send(cn, req)
	if err != nil {
		return resp, 0, err
	}
	return resp, flagsOf(resp), nil
}

// StoreRaw is like Store but lets the caller set the item's 32-bit flags
// word explicitly, instead of the always-zero flags Store writes.
func (c *Client) StoreRaw(storeMode StoreMode, key string, exp, flags uint32, body []byte) (_ *Response, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("StoreRaw", timer, &err)

	if !legalKey(key) {
		return nil, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return nil, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Opcode: storeMode.Resolve(),
		Key:    []byte(key),
		Opaque: c.getOpaque(),
		Body:   body,
		Extras: prepareExtrasWithFlags(exp, flags),
	}
	return c.send(cn, req)
}
