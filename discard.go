package blockif

import "fmt"

// discardRanges returns the extents of a discard request
func (c *Context) discardRanges(req *Request) []DiscardRange {
	if len(req.Ranges) > 0 {
		return req.Ranges
	}
	return []DiscardRange{{Offset: req.Offset, Length: req.Resid}}
}

func (c *Context) validateDiscard(f *flight) error {
	req := f.req
	if c.readOnly {
		return NewQueueError("discard", c.ident, f.queue, ErrCodeReadOnly, "discard on read-only context")
	}
	if !c.canDiscard {
		return NewQueueError("discard", c.ident, f.queue, ErrCodeNotSupported, "discard not enabled")
	}

	ranges := c.discardRanges(req)
	if len(ranges) > c.maxDiscardSeg {
		return NewQueueError("discard", c.ident, f.queue, ErrCodeInvalidParameters,
			fmt.Sprintf("%d ranges exceeds limit of %d", len(ranges), c.maxDiscardSeg))
	}

	unit := int64(c.sectorSize) * int64(c.discardAlign)
	maxLen := int64(c.maxDiscardSect) * int64(c.sectorSize)
	var total int64
	for i, r := range ranges {
		switch {
		case r.Offset < 0 || r.Length <= 0:
			return c.badRange(f, i, r, "empty or negative extent")
		case r.Length > maxLen:
			return c.badRange(f, i, r, fmt.Sprintf("longer than %d bytes", maxLen))
		case r.Offset%unit != 0 || r.Length%unit != 0:
			return c.badRange(f, i, r, fmt.Sprintf("not aligned to %d bytes", unit))
		case r.Offset+r.Length > c.size:
			return c.badRange(f, i, r, "past end of store")
		}
		total += r.Length
	}
	f.total = total
	return nil
}

func (c *Context) badRange(f *flight, i int, r DiscardRange, why string) error {
	return NewQueueError("discard", c.ident, f.queue, ErrCodeInvalidParameters,
		fmt.Sprintf("range %d [%d, +%d) %s", i, r.Offset, r.Length, why))
}
